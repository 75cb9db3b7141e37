package session_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/forgeq/app/bridge"
	"github.com/umputun/forgeq/app/enums"
	"github.com/umputun/forgeq/app/session"
	"github.com/umputun/forgeq/app/session/mocks"
	"github.com/umputun/forgeq/app/store"
)

type progressLog struct {
	mu        sync.Mutex
	progress  []session.Progress
	telemetry []session.Telemetry
}

func (p *progressLog) observer() *mocks.ObserverMock {
	return &mocks.ObserverMock{
		OnProgressFunc: func(pr session.Progress) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.progress = append(p.progress, pr)
		},
		OnTelemetryFunc: func(t session.Telemetry) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.telemetry = append(p.telemetry, t)
		},
	}
}

func (p *progressLog) states() (res []enums.SessionState, percents []int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pr := range p.progress {
		res = append(res, pr.State)
		percents = append(percents, pr.Percent)
	}
	return res, percents
}

func TestSession_Image(t *testing.T) {
	gen := &mocks.GeneratorMock{
		GenerateImageFunc: func(_ context.Context, req bridge.ImageRequest) (*bridge.ArtifactResult, error) {
			return &bridge.ArtifactResult{EngineJobID: req.JobID, Data: []byte("png-data"), GenerationTime: 3.5}, nil
		},
	}
	plog := &progressLog{}
	dir := t.TempDir()
	job := store.Job{ID: "j1", Type: enums.JobTypeImage, Prompt: "a wooden barrel",
		Options: store.JobOptions{Width: 768, Height: 512, Steps: 30}}

	s := session.New(job, gen, session.Params{OutputDir: dir, Observer: plog.observer()})
	assert.Equal(t, enums.SessionStateIdle, s.State())
	res, err := s.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, gen.GenerateImageCalls(), 1)
	req := gen.GenerateImageCalls()[0].Req
	assert.Equal(t, bridge.ImageRequest{Prompt: "a wooden barrel", Width: 768, Height: 512, Steps: 30, JobID: "j1"}, req)

	assert.Equal(t, filepath.Join(dir, "j1", session.ImageFile), res.ImagePath)
	assert.Empty(t, res.MeshPath)
	assert.Equal(t, int64(8), res.OutputBytes)
	assert.InDelta(t, 3.5, res.EngineTime, 0.001)
	assert.Equal(t, s.ID(), res.SessionID)
	data, err := os.ReadFile(res.ImagePath)
	require.NoError(t, err)
	assert.Equal(t, "png-data", string(data))

	states, percents := plog.states()
	assert.Equal(t, []enums.SessionState{enums.SessionStateGeneratingImage, enums.SessionStateComplete}, states)
	assert.Equal(t, []int{10, 100}, percents)
	require.Len(t, plog.telemetry, 1)
	assert.Equal(t, int64(8), plog.telemetry[0].OutputBytes)
	assert.Equal(t, enums.SessionStateComplete, s.State())
}

func TestSession_Mesh(t *testing.T) {
	input := filepath.Join(t.TempDir(), "upload.png")
	require.NoError(t, os.WriteFile(input, []byte("image-bytes"), 0o600))

	gen := &mocks.GeneratorMock{
		GenerateMeshFunc: func(_ context.Context, req bridge.MeshRequest) (*bridge.ArtifactResult, error) {
			assert.Equal(t, "image-bytes", string(req.Image))
			assert.Equal(t, "chair.png", req.FileName)
			return &bridge.ArtifactResult{EngineJobID: "e1", Data: []byte("glb")}, nil
		},
	}
	plog := &progressLog{}
	job := store.Job{ID: "j2", Type: enums.JobTypeMesh, InputPath: input, Options: store.JobOptions{ImageName: "chair.png"}}
	res, err := session.New(job, gen, session.Params{OutputDir: t.TempDir(), Observer: plog.observer()}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "e1", res.EngineJobID)
	assert.FileExists(t, res.MeshPath)
	assert.Equal(t, filepath.Dir(res.MeshPath), res.Dir)

	states, percents := plog.states()
	assert.Equal(t, []enums.SessionState{enums.SessionStateGeneratingMesh, enums.SessionStateComplete}, states)
	assert.Equal(t, []int{10, 100}, percents)
}

func TestSession_Full(t *testing.T) {
	gen := &mocks.GeneratorMock{
		GenerateFullFunc: func(_ context.Context, req bridge.FullRequest) (*bridge.FullResult, error) {
			assert.Equal(t, "a stone well", req.Prompt)
			return &bridge.FullResult{Success: true, JobID: "e9", TotalTime: 42,
				ImagePath: "/download/e9/generated_image.png", MeshPath: "/download/e9/generated_mesh.glb"}, nil
		},
		DownloadFunc: func(_ context.Context, jobID, fileName string) ([]byte, error) {
			assert.Equal(t, "e9", jobID)
			return []byte("data:" + fileName), nil
		},
	}
	plog := &progressLog{}
	job := store.Job{ID: "j3", Type: enums.JobTypeFull, Prompt: "a stone well"}
	res, err := session.New(job, gen, session.Params{OutputDir: t.TempDir(), Observer: plog.observer()}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, gen.DownloadCalls(), 2)
	assert.Equal(t, "generated_image.png", gen.DownloadCalls()[0].FileName)
	assert.Equal(t, "generated_mesh.glb", gen.DownloadCalls()[1].FileName)
	img, err := os.ReadFile(res.ImagePath)
	require.NoError(t, err)
	assert.Equal(t, "data:generated_image.png", string(img))
	assert.Equal(t, int64(len("data:generated_image.png")+len("data:generated_mesh.glb")), res.OutputBytes)
	assert.InDelta(t, 42.0, res.EngineTime, 0.001)

	states, percents := plog.states()
	assert.Equal(t, []enums.SessionState{enums.SessionStateGeneratingImage, enums.SessionStateGeneratingMesh,
		enums.SessionStateComplete}, states)
	assert.Equal(t, []int{10, 80, 100}, percents)
}

func TestSession_FullBadArtifactPath(t *testing.T) {
	gen := &mocks.GeneratorMock{
		GenerateFullFunc: func(context.Context, bridge.FullRequest) (*bridge.FullResult, error) {
			return &bridge.FullResult{Success: true, JobID: "e9", ImagePath: "/download/../../etc/passwd",
				MeshPath: "/download/e9/generated_mesh.glb"}, nil
		},
	}
	job := store.Job{ID: "j4", Type: enums.JobTypeFull, Prompt: "a stone well"}
	_, err := session.New(job, gen, session.Params{OutputDir: t.TempDir()}).Run(context.Background())
	require.ErrorIs(t, err, bridge.ErrPathTraversal)
	assert.Empty(t, gen.DownloadCalls())
}

func TestSession_FailureIsReturned(t *testing.T) {
	engineErr := &bridge.ProtocolError{Endpoint: "/generate/image", Status: 500, Message: "CUDA out of memory"}
	gen := &mocks.GeneratorMock{
		GenerateImageFunc: func(context.Context, bridge.ImageRequest) (*bridge.ArtifactResult, error) {
			return nil, engineErr
		},
	}
	plog := &progressLog{}
	dir := t.TempDir()
	s := session.New(store.Job{ID: "j5", Type: enums.JobTypeImage, Prompt: "cube"}, gen,
		session.Params{OutputDir: dir, Observer: plog.observer()})
	_, err := s.Run(context.Background())
	var perr *bridge.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, err.Error(), "CUDA out of memory")
	assert.Equal(t, enums.SessionStateFailed, s.State())
	assert.Empty(t, plog.telemetry)
	assert.NoDirExists(t, filepath.Join(dir, "j5"))
}

func TestSession_FailureCheckpointsDuration(t *testing.T) {
	cp := &mocks.CheckpointerMock{SaveSessionFunc: func(context.Context, store.SessionRecord) error { return nil }}
	gen := &mocks.GeneratorMock{
		GenerateImageFunc: func(context.Context, bridge.ImageRequest) (*bridge.ArtifactResult, error) {
			time.Sleep(30 * time.Millisecond)
			return nil, errors.New("engine went away")
		},
	}
	_, err := session.New(store.Job{ID: "j8", Type: enums.JobTypeImage, Prompt: "cube"}, gen,
		session.Params{OutputDir: t.TempDir(), Checkpointer: cp}).Run(context.Background())
	require.Error(t, err)

	calls := cp.SaveSessionCalls()
	require.NotEmpty(t, calls)
	last := calls[len(calls)-1].Rec
	assert.Equal(t, enums.SessionStateFailed, last.State)
	assert.Contains(t, last.Error, "engine went away")
	assert.GreaterOrEqual(t, last.Result.DurationMs, int64(30))
}

func TestSession_InvalidJob(t *testing.T) {
	tbl := []struct {
		name string
		job  store.Job
	}{
		{"unknown type", store.Job{ID: "x", Type: "voxel", Prompt: "cube"}},
		{"image without prompt", store.Job{ID: "x", Type: enums.JobTypeImage, Prompt: "  "}},
		{"full without prompt", store.Job{ID: "x", Type: enums.JobTypeFull}},
		{"mesh without image", store.Job{ID: "x", Type: enums.JobTypeMesh}},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			gen := &mocks.GeneratorMock{}
			s := session.New(tt.job, gen, session.Params{OutputDir: t.TempDir()})
			_, err := s.Run(context.Background())
			require.ErrorIs(t, err, session.ErrInvalidJob)
			assert.Equal(t, enums.SessionStateFailed, s.State())
		})
	}
}

func TestSession_Checkpoints(t *testing.T) {
	st, err := store.New(context.Background(), store.Params{Path: filepath.Join(t.TempDir(), "forgeq.db")})
	require.NoError(t, err)
	defer st.Close()
	job := store.Job{ID: "j6", Type: enums.JobTypeImage, Prompt: "cube"}
	_, err = st.InsertJob(context.Background(), &job, 0)
	require.NoError(t, err)

	gen := &mocks.GeneratorMock{
		GenerateImageFunc: func(context.Context, bridge.ImageRequest) (*bridge.ArtifactResult, error) {
			return &bridge.ArtifactResult{EngineJobID: "e6", Data: []byte("png")}, nil
		},
	}
	s := session.New(job, gen, session.Params{OutputDir: t.TempDir(), Checkpointer: st})
	res, err := s.Run(context.Background())
	require.NoError(t, err)

	recs, err := st.SessionsByJob(context.Background(), "j6")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, s.ID(), recs[0].ID)
	assert.Equal(t, enums.SessionStateComplete, recs[0].State)
	assert.Equal(t, 100, recs[0].Percent)
	assert.Equal(t, "e6", recs[0].Result.EngineJobID)
	assert.Equal(t, res.ImagePath, recs[0].Result.ImagePath)
}

func TestSession_CheckpointErrorIgnored(t *testing.T) {
	cp := &mocks.CheckpointerMock{SaveSessionFunc: func(context.Context, store.SessionRecord) error {
		return errors.New("disk full")
	}}
	gen := &mocks.GeneratorMock{
		GenerateImageFunc: func(context.Context, bridge.ImageRequest) (*bridge.ArtifactResult, error) {
			return &bridge.ArtifactResult{Data: []byte("png")}, nil
		},
	}
	_, err := session.New(store.Job{ID: "j7", Type: enums.JobTypeImage, Prompt: "cube"}, gen,
		session.Params{OutputDir: t.TempDir(), Checkpointer: cp}).Run(context.Background())
	require.NoError(t, err)
	states := []enums.SessionState{}
	for _, c := range cp.SaveSessionCalls() {
		states = append(states, c.Rec.State)
	}
	assert.Equal(t, []enums.SessionState{enums.SessionStateIdle, enums.SessionStateGeneratingImage,
		enums.SessionStateComplete}, states)
}

func TestSession_EmptyArtifact(t *testing.T) {
	gen := &mocks.GeneratorMock{
		GenerateImageFunc: func(context.Context, bridge.ImageRequest) (*bridge.ArtifactResult, error) {
			return &bridge.ArtifactResult{}, nil
		},
	}
	_, err := session.New(store.Job{ID: "j8", Type: enums.JobTypeImage, Prompt: "cube"}, gen,
		session.Params{OutputDir: t.TempDir()}).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty image.png")
}
