// Package session drives a single generation job through the bridge calls its type needs.
//
// A session is ephemeral: the queue creates one per dispatch, runs it and throws it away.
// The state is reported to an Observer at coarse checkpoints and optionally checkpointed to
// the store, but the job row owned by the queue stays the only source of truth.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/umputun/forgeq/app/bridge"
	"github.com/umputun/forgeq/app/enums"
	"github.com/umputun/forgeq/app/store"
)

//go:generate moq -out mocks/generator.go -pkg mocks -skip-ensure -fmt goimports . Generator
//go:generate moq -out mocks/observer.go -pkg mocks -skip-ensure -fmt goimports . Observer
//go:generate moq -out mocks/checkpointer.go -pkg mocks -skip-ensure -fmt goimports . Checkpointer

// ErrInvalidJob returned for jobs which can't be executed at all, no bridge call is made
var ErrInvalidJob = errors.New("invalid job")

// artifact file names inside the job output directory
const (
	ImageFile = "image.png"
	MeshFile  = "mesh.glb"
)

// progress checkpoints, the engine doesn't report anything finer
const (
	percentStarted    = 10
	percentFirstStage = 80
	percentDone       = 100
)

// Generator is the part of the bridge used by sessions
type Generator interface {
	GenerateMesh(ctx context.Context, req bridge.MeshRequest) (*bridge.ArtifactResult, error)
	GenerateImage(ctx context.Context, req bridge.ImageRequest) (*bridge.ArtifactResult, error)
	GenerateFull(ctx context.Context, req bridge.FullRequest) (*bridge.FullResult, error)
	Download(ctx context.Context, jobID, fileName string) ([]byte, error)
}

// Observer receives progress and telemetry of sessions. Calls are synchronous.
type Observer interface {
	OnProgress(p Progress)
	OnTelemetry(t Telemetry)
}

// Checkpointer persists session snapshots, store.Store implements it
type Checkpointer interface {
	SaveSession(ctx context.Context, rec store.SessionRecord) error
}

// Params are optional collaborators and settings of a session
type Params struct {
	OutputDir    string // artifacts go to OutputDir/<job id>/
	Observer     Observer
	Checkpointer Checkpointer
}

// Progress is a coarse checkpoint of a running session
type Progress struct {
	SessionID string
	JobID     string
	Type      enums.JobType
	State     enums.SessionState
	Stage     string
	Percent   int
}

// Telemetry is reported once for every successful session
type Telemetry struct {
	SessionID   string
	JobID       string
	Type        enums.JobType
	Duration    time.Duration
	OutputBytes int64
	EngineTime  float64 // seconds reported by the engine
}

// Result is the uniform outcome of a successful session
type Result struct {
	SessionID   string
	EngineJobID string
	Dir         string
	ImagePath   string
	MeshPath    string
	OutputBytes int64
	EngineTime  float64
	Duration    time.Duration
}

// Session executes one job
type Session struct {
	id     string
	job    store.Job
	gen    Generator
	params Params

	mu        sync.Mutex
	state     enums.SessionState
	stage     string
	percent   int
	createdAt store.Timestamp
}

// New makes a session for the job, nothing is executed until Run
func New(job store.Job, gen Generator, params Params) *Session {
	return &Session{id: uuid.NewString(), job: job, gen: gen, params: params,
		state: enums.SessionStateIdle, createdAt: store.Now()}
}

// ID returns session id
func (s *Session) ID() string { return s.id }

// State returns current state of the session
func (s *Session) State() enums.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run executes the job and returns its result. Errors are returned to the caller as is (wrapped),
// retry decisions belong to the caller.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	st := time.Now()
	if err := s.validate(); err != nil {
		s.fail(ctx, err, time.Since(st))
		return nil, err
	}
	s.checkpoint(ctx, "", store.SessionResult{})

	var res *Result
	var err error
	switch s.job.Type {
	case enums.JobTypeMesh:
		res, err = s.runMesh(ctx)
	case enums.JobTypeImage:
		res, err = s.runImage(ctx)
	case enums.JobTypeFull:
		res, err = s.runFull(ctx)
	}
	if err != nil {
		s.fail(ctx, err, time.Since(st))
		return nil, fmt.Errorf("%s generation failed: %w", s.job.Type, err)
	}

	res.SessionID = s.id
	res.Duration = time.Since(st)
	s.transition(ctx, enums.SessionStateComplete, "done", percentDone, "", store.SessionResult{
		EngineJobID: res.EngineJobID, ImagePath: res.ImagePath, MeshPath: res.MeshPath, OutputBytes: res.OutputBytes,
		DurationMs: res.Duration.Milliseconds()})
	log.Printf("[INFO] session %s for job %s (%s) completed in %v, %d bytes", s.id, s.job.ID, s.job.Type,
		res.Duration.Round(time.Millisecond), res.OutputBytes)
	if s.params.Observer != nil {
		s.params.Observer.OnTelemetry(Telemetry{SessionID: s.id, JobID: s.job.ID, Type: s.job.Type,
			Duration: res.Duration, OutputBytes: res.OutputBytes, EngineTime: res.EngineTime})
	}
	return res, nil
}

func (s *Session) validate() error {
	switch s.job.Type {
	case enums.JobTypeMesh:
		if s.job.InputPath == "" {
			return fmt.Errorf("%w: mesh job %s has no input image", ErrInvalidJob, s.job.ID)
		}
	case enums.JobTypeImage, enums.JobTypeFull:
		if strings.TrimSpace(s.job.Prompt) == "" {
			return fmt.Errorf("%w: %s job %s has no prompt", ErrInvalidJob, s.job.Type, s.job.ID)
		}
	default:
		return fmt.Errorf("%w: unknown type %q of job %s", ErrInvalidJob, s.job.Type, s.job.ID)
	}
	return nil
}

func (s *Session) runMesh(ctx context.Context) (*Result, error) {
	s.transition(ctx, enums.SessionStateGeneratingMesh, "mesh", percentStarted, "", store.SessionResult{})
	img, err := os.ReadFile(s.job.InputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read input image: %w", err)
	}
	art, err := s.gen.GenerateMesh(ctx, bridge.MeshRequest{Image: img, FileName: s.job.Options.ImageName, JobID: s.job.ID})
	if err != nil {
		return nil, err
	}
	res := &Result{EngineJobID: art.EngineJobID, EngineTime: art.GenerationTime}
	if res.MeshPath, err = s.save(MeshFile, art.Data); err != nil {
		return nil, err
	}
	res.Dir, res.OutputBytes = filepath.Dir(res.MeshPath), int64(len(art.Data))
	return res, nil
}

func (s *Session) runImage(ctx context.Context) (*Result, error) {
	s.transition(ctx, enums.SessionStateGeneratingImage, "image", percentStarted, "", store.SessionResult{})
	opts := s.job.Options
	art, err := s.gen.GenerateImage(ctx, bridge.ImageRequest{Prompt: s.job.Prompt, Width: opts.Width,
		Height: opts.Height, Steps: opts.Steps, JobID: s.job.ID})
	if err != nil {
		return nil, err
	}
	res := &Result{EngineJobID: art.EngineJobID, EngineTime: art.GenerationTime}
	if res.ImagePath, err = s.save(ImageFile, art.Data); err != nil {
		return nil, err
	}
	res.Dir, res.OutputBytes = filepath.Dir(res.ImagePath), int64(len(art.Data))
	return res, nil
}

// runFull makes a single composite call, the two engine stages are reported as two checkpoints
func (s *Session) runFull(ctx context.Context) (*Result, error) {
	s.transition(ctx, enums.SessionStateGeneratingImage, "image", percentStarted, "", store.SessionResult{})
	full, err := s.gen.GenerateFull(ctx, bridge.FullRequest{Prompt: s.job.Prompt, Steps: s.job.Options.Steps, JobID: s.job.ID})
	if err != nil {
		return nil, err
	}
	s.transition(ctx, enums.SessionStateGeneratingMesh, "mesh", percentFirstStage, "",
		store.SessionResult{EngineJobID: full.JobID})

	res := &Result{EngineJobID: full.JobID, EngineTime: full.TotalTime}
	for _, a := range []struct {
		remote string
		local  string
		dst    *string
	}{{full.ImagePath, ImageFile, &res.ImagePath}, {full.MeshPath, MeshFile, &res.MeshPath}} {
		jobID, fileName, err := bridge.ParseDownloadPath(a.remote)
		if err != nil {
			return nil, fmt.Errorf("bad artifact path from engine: %w", err)
		}
		data, err := s.gen.Download(ctx, jobID, fileName)
		if err != nil {
			return nil, fmt.Errorf("failed to download %s: %w", fileName, err)
		}
		if *a.dst, err = s.save(a.local, data); err != nil {
			return nil, err
		}
		res.OutputBytes += int64(len(data))
	}
	res.Dir = filepath.Dir(res.MeshPath)
	return res, nil
}

// save writes an artifact to the job output directory, temp file + rename so readers never see partial files
func (s *Session) save(name string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("engine returned empty %s", name)
	}
	dir := filepath.Join(s.params.OutputDir, s.job.ID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to make output dir %s: %w", dir, err)
	}
	dst := filepath.Join(dir, name)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return dst, nil
}

func (s *Session) fail(ctx context.Context, err error, duration time.Duration) {
	s.mu.Lock()
	stage, percent := s.stage, s.percent
	s.mu.Unlock()
	log.Printf("[WARN] session %s for job %s failed at %q after %v: %v", s.id, s.job.ID, stage,
		duration.Round(time.Millisecond), err)
	s.transition(ctx, enums.SessionStateFailed, stage, percent, err.Error(),
		store.SessionResult{DurationMs: duration.Milliseconds()})
}

func (s *Session) transition(ctx context.Context, state enums.SessionState, stage string, percent int,
	errMsg string, res store.SessionResult) {
	s.mu.Lock()
	s.state, s.stage, s.percent = state, stage, percent
	s.mu.Unlock()

	log.Printf("[DEBUG] session %s for job %s: %s, %s %d%%", s.id, s.job.ID, state, stage, percent)
	if s.params.Observer != nil {
		s.params.Observer.OnProgress(Progress{SessionID: s.id, JobID: s.job.ID, Type: s.job.Type,
			State: state, Stage: stage, Percent: percent})
	}
	s.checkpoint(ctx, errMsg, res)
}

// checkpoint saves the current state, failures are logged only
func (s *Session) checkpoint(ctx context.Context, errMsg string, res store.SessionResult) {
	if s.params.Checkpointer == nil {
		return
	}
	s.mu.Lock()
	rec := store.SessionRecord{ID: s.id, JobID: s.job.ID, Type: s.job.Type, State: s.state, Stage: s.stage,
		Percent: s.percent, Error: errMsg, Result: res, CreatedAt: s.createdAt}
	s.mu.Unlock()
	// the final state is saved even if the job context is cancelled
	if err := s.params.Checkpointer.SaveSession(context.WithoutCancel(ctx), rec); err != nil {
		log.Printf("[WARN] can't checkpoint session %s: %v", s.id, err)
	}
}
