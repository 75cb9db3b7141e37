package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/forgeq/app/enums"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), Params{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestNew_Migrations(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "forgeq.db")

	s, err := New(ctx, Params{Path: dbPath})
	require.NoError(t, err)
	ver, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].version, ver)

	var versions []int
	require.NoError(t, s.db.SelectContext(ctx, &versions, "SELECT version FROM schema_version ORDER BY version"))
	assert.Equal(t, []int{1, 2, 3}, versions)
	require.NoError(t, s.Close())

	// reopen, nothing applied twice
	s, err = New(ctx, Params{Path: dbPath})
	require.NoError(t, err)
	versions = nil
	require.NoError(t, s.db.SelectContext(ctx, &versions, "SELECT version FROM schema_version ORDER BY version"))
	assert.Equal(t, []int{1, 2, 3}, versions)

	var mode string
	require.NoError(t, s.db.GetContext(ctx, &mode, "PRAGMA journal_mode"))
	assert.Equal(t, "wal", mode)
	require.NoError(t, s.Close())
}

func TestNew_SingleConnection(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, Params{Path: filepath.Join(t.TempDir(), "forgeq.db")})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 1, s.db.Stats().MaxOpenConnections)

	var mode string
	require.NoError(t, s.db.GetContext(ctx, &mode, "PRAGMA journal_mode"))
	assert.Equal(t, "wal", mode)
}

func TestNew_RejectsNewerSchema(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "forgeq.db")
	s, err := New(ctx, Params{Path: dbPath})
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, "INSERT INTO schema_version (version, name, applied_at) VALUES (99, 'future', 0)")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = New(ctx, Params{Path: dbPath})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestNew_EmptyPath(t *testing.T) {
	_, err := New(context.Background(), Params{})
	require.Error(t, err)
}

func TestMigrate_OutOfOrder(t *testing.T) {
	s := newTestStore(t)
	err := s.migrate(context.Background(), []migration{{version: 2, name: "b"}, {version: 1, name: "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of order")
}

func TestMigrate_FailedMigrationNotRecorded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	list := append([]migration{}, migrations...)
	list = append(list, migration{version: 4, name: "broken", stmts: []string{
		"CREATE TABLE extra (id INTEGER)", "THIS IS NOT SQL"}})
	require.Error(t, s.migrate(ctx, list))

	ver, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, ver)
	var count int
	require.NoError(t, s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM sqlite_master WHERE name = 'extra'"))
	assert.Equal(t, 0, count, "partial migration rolled back")
}

func TestJobs_InsertWithLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		ok, err := s.InsertJob(ctx, &Job{ID: id, Type: enums.JobTypeImage, Prompt: "a red cube"}, 2)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := s.InsertJob(ctx, &Job{ID: "c", Type: enums.JobTypeImage, Prompt: "a red cube"}, 2)
	require.NoError(t, err)
	assert.False(t, ok, "limit reached")
	_, err = s.GetJob(ctx, "c")
	require.ErrorIs(t, err, ErrNotFound)

	// terminal jobs don't count toward the limit
	_, err = s.FailJob(ctx, "a", enums.JobStatusQueued, "cancelled")
	require.NoError(t, err)
	ok, err = s.InsertJob(ctx, &Job{ID: "c", Type: enums.JobTypeImage, Prompt: "a red cube"}, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	// no limit
	ok, err = s.InsertJob(ctx, &Job{ID: "d", Type: enums.JobTypeMesh}, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJobs_InvalidTypeRejectedByCheck(t *testing.T) {
	s := newTestStore(t)
	_, err := s.InsertJob(context.Background(), &Job{ID: "x", Type: "video"}, 0)
	require.Error(t, err)
}

func TestJobs_QueueOrderAndPosition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := Now()
	// same created_at for all, rowid keeps insertion order
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.InsertJob(ctx, &Job{ID: id, Type: enums.JobTypeImage, Prompt: "prompt", CreatedAt: ts}, 0)
		require.NoError(t, err)
	}

	next, err := s.NextQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", next.ID)

	for i, id := range []string{"a", "b", "c"} {
		pos, err := s.QueuePosition(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, i+1, pos)
	}

	ok, err := s.MarkProcessing(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.MarkProcessing(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok, "already claimed")

	pos, err := s.QueuePosition(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, pos, "processing job has no queue position")
	pos, err = s.QueuePosition(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	active, err := s.ActiveJobs(ctx)
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, "a", active[0].ID)
	assert.Equal(t, enums.JobStatusProcessing, active[0].Status)
	assert.Equal(t, "b", active[1].ID)

	next, err = s.NextQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", next.ID)
}

func TestJobs_Transitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.InsertJob(ctx, &Job{ID: "j1", Type: enums.JobTypeFull, Prompt: "castle",
		Options: JobOptions{Steps: 30}}, 0)
	require.NoError(t, err)

	_, err = s.MarkProcessing(ctx, "j1")
	require.NoError(t, err)
	ok, err := s.RequeueJob(ctx, "j1", "attempt 1 failed: boom")
	require.NoError(t, err)
	assert.True(t, ok)

	job, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, enums.JobStatusQueued, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, "attempt 1 failed: boom", job.ErrorMessage)
	assert.Equal(t, 30, job.Options.Steps)
	assert.Equal(t, 1, job.Options.V)

	ok, err = s.RequeueJob(ctx, "j1", "not processing")
	require.NoError(t, err)
	assert.False(t, ok, "requeue requires processing")

	_, err = s.MarkProcessing(ctx, "j1")
	require.NoError(t, err)
	ok, err = s.CompleteJob(ctx, "j1", Completion{GenerationTime: 12.5, OutputDir: "/out/j1",
		Usage: ResourceUsage{DurationMs: 12600, OutputBytes: 2048}})
	require.NoError(t, err)
	assert.True(t, ok)

	job, err = s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, enums.JobStatusComplete, job.Status)
	assert.Empty(t, job.ErrorMessage)
	assert.InDelta(t, 12.5, job.GenerationTime, 0.001)
	assert.Equal(t, int64(2048), job.ResourceUsage.OutputBytes)
	assert.Equal(t, "/out/j1", job.OutputDir)
	assert.False(t, job.CompletedAt.IsZero())
	assert.Equal(t, 1, job.RetryCount)

	ok, err = s.FailJob(ctx, "j1", enums.JobStatusProcessing, "late crash")
	require.NoError(t, err)
	assert.False(t, ok, "terminal job untouched")
	_, err = s.FailJob(ctx, "j1", enums.JobStatusComplete, "x")
	require.Error(t, err)
}

func TestJobs_RecoverInterrupted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"p1", "q1"} {
		_, err := s.InsertJob(ctx, &Job{ID: id, Type: enums.JobTypeImage, Prompt: "tree"}, 0)
		require.NoError(t, err)
	}
	_, err := s.MarkProcessing(ctx, "p1")
	require.NoError(t, err)

	incomplete, err := s.IncompleteJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, incomplete, 2)

	ids, err := s.RecoverInterrupted(ctx, "interrupted by restart")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, ids)

	job, err := s.GetJob(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, enums.JobStatusFailed, job.Status)
	assert.Equal(t, "interrupted by restart", job.ErrorMessage)

	job, err = s.GetJob(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, enums.JobStatusQueued, job.Status, "queued job survives recovery")
}

func TestJobs_ListAndDeleteBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.InsertJob(ctx, &Job{ID: id, Type: enums.JobTypeImage, Prompt: "prompt"}, 0)
		require.NoError(t, err)
	}
	_, err := s.FailJob(ctx, "a", enums.JobStatusQueued, "cancelled")
	require.NoError(t, err)

	failed, err := s.ListJobs(ctx, JobFilter{Status: enums.JobStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "a", failed[0].ID)

	page, err := s.ListJobs(ctx, JobFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	n, err := s.DeleteJobsBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	all, err := s.ListJobs(ctx, JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestProjects_CascadeAndNullify(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, Project{Name: "castle", Description: "medieval"})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)

	a, err := s.CreateAsset(ctx, Asset{ProjectID: p.ID, Name: "tower", Type: "mesh", FilePath: "/out/tower.glb",
		FileSize: 100, Metadata: AssetMetadata{Format: "glb", Textures: []string{"albedo.png"}}})
	require.NoError(t, err)

	_, err = s.CreateAsset(ctx, Asset{ProjectID: "missing", Name: "x", Type: "mesh"})
	require.Error(t, err, "foreign keys enforced")

	_, err = s.InsertJob(ctx, &Job{ID: "j1", ProjectID: &p.ID, Type: enums.JobTypeImage, Prompt: "tower"}, 0)
	require.NoError(t, err)
	_, err = s.MarkProcessing(ctx, "j1")
	require.NoError(t, err)
	_, err = s.CompleteJob(ctx, "j1", Completion{AssetID: a.ID})
	require.NoError(t, err)

	job, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, job.AssetID)
	assert.Equal(t, a.ID, *job.AssetID)

	got, err := s.GetAsset(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"albedo.png"}, got.Metadata.Textures)

	require.NoError(t, s.SetAssetFbx(ctx, a.ID, "/out/tower.fbx"))
	got, err = s.GetAsset(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "/out/tower.fbx", got.FbxPath)
	require.ErrorIs(t, s.SetAssetFbx(ctx, "missing", "x.fbx"), ErrNotFound)

	p.Name = "keep"
	require.NoError(t, s.UpdateProject(ctx, p))
	projects, err := s.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "keep", projects[0].Name)

	require.NoError(t, s.DeleteProject(ctx, p.ID))
	_, err = s.GetAsset(ctx, a.ID)
	require.ErrorIs(t, err, ErrNotFound, "assets cascade")

	job, err = s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Nil(t, job.ProjectID, "project link nullified")
	assert.Nil(t, job.AssetID, "asset link nullified")

	require.ErrorIs(t, s.DeleteProject(ctx, p.ID), ErrNotFound)
	require.ErrorIs(t, s.UpdateProject(ctx, Project{ID: "nope", Name: "x"}), ErrNotFound)
}

func TestAssets_DeleteNullifiesJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p, err := s.CreateProject(ctx, Project{Name: "p"})
	require.NoError(t, err)
	a, err := s.CreateAsset(ctx, Asset{ProjectID: p.ID, Name: "a", Type: "image"})
	require.NoError(t, err)
	_, err = s.InsertJob(ctx, &Job{ID: "j", Type: enums.JobTypeImage, Prompt: "abc"}, 0)
	require.NoError(t, err)
	_, err = s.MarkProcessing(ctx, "j")
	require.NoError(t, err)
	_, err = s.CompleteJob(ctx, "j", Completion{AssetID: a.ID})
	require.NoError(t, err)

	assets, err := s.ListAssets(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, assets, 1)

	require.NoError(t, s.DeleteAsset(ctx, a.ID))
	job, err := s.GetJob(ctx, "j")
	require.NoError(t, err)
	assert.Nil(t, job.AssetID)
	assert.Equal(t, enums.JobStatusComplete, job.Status)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateProject(ctx, Project{Name: "p"})
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		_, err = s.InsertJob(ctx, &Job{ID: id, Type: enums.JobTypeImage, Prompt: "prompt"}, 0)
		require.NoError(t, err)
	}
	_, err = s.InsertJob(ctx, &Job{ID: "m", Type: enums.JobTypeMesh}, 0)
	require.NoError(t, err)

	for _, id := range []string{"a", "b"} {
		_, err = s.MarkProcessing(ctx, id)
		require.NoError(t, err)
	}
	_, err = s.RequeueJob(ctx, "b", "attempt 1 failed")
	require.NoError(t, err)
	_, err = s.CompleteJob(ctx, "a", Completion{GenerationTime: 10})
	require.NoError(t, err)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 1, st.ByStatus["complete"])
	assert.Equal(t, 3, st.ByStatus["queued"])
	assert.Equal(t, 3, st.ByType["image"])
	assert.Equal(t, 1, st.ByType["mesh"])
	assert.InDelta(t, 10.0, st.AvgGenerationTime, 0.001)
	assert.Equal(t, 1, st.TotalRetries)
	assert.Equal(t, 1, st.Projects)
	assert.Equal(t, 0, st.Assets)
}

func TestSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := SessionRecord{ID: "s1", JobID: "j1", Type: enums.JobTypeFull, State: enums.SessionStateGeneratingImage,
		Stage: "image", Percent: 10}
	require.NoError(t, s.SaveSession(ctx, rec))

	rec.State, rec.Percent = enums.SessionStateComplete, 100
	rec.Result = SessionResult{MeshPath: "/out/j1/mesh.glb", OutputBytes: 42}
	require.NoError(t, s.SaveSession(ctx, rec))

	res, err := s.SessionsByJob(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, enums.SessionStateComplete, res[0].State)
	assert.Equal(t, 100, res[0].Percent)
	assert.Equal(t, "/out/j1/mesh.glb", res[0].Result.MeshPath)
}

func TestBlobs_Validation(t *testing.T) {
	tbl := []struct {
		name    string
		src     any
		wantErr string
	}{
		{"empty", "", ""},
		{"nil", nil, ""},
		{"valid", `{"v":1,"duration_ms":5}`, ""},
		{"bytes", []byte(`{"v":1}`), ""},
		{"malformed", `{"v":1`, "malformed"},
		{"no version", `{"duration_ms":5}`, "no schema version"},
		{"future version", `{"v":2}`, "unsupported"},
		{"unknown field", `{"v":1,"gpu":"x"}`, "invalid"},
		{"wrong type", 42, "can't scan"},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			var r ResourceUsage
			err := r.Scan(tt.src)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestBlobs_CorruptRowFailsRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.InsertJob(ctx, &Job{ID: "j", Type: enums.JobTypeImage, Prompt: "abc"}, 0)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `UPDATE generation_history SET options = '{"v":7}' WHERE id = 'j'`)
	require.NoError(t, err)
	_, err = s.GetJob(ctx, "j")
	require.Error(t, err)
}

func TestTimestamp(t *testing.T) {
	var ts Timestamp
	require.NoError(t, ts.Scan(int64(0)))
	assert.True(t, ts.IsZero())
	v, err := ts.Value()
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	now := Now()
	v, err = now.Value()
	require.NoError(t, err)
	require.NoError(t, ts.Scan(v))
	assert.True(t, now.Equal(ts.Time))

	require.Error(t, ts.Scan("2024-01-01"))
}
