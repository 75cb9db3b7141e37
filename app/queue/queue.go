// Package queue implements the durable single-slot job scheduler.
//
// Jobs are persisted in the store and dispatched one at a time in creation order. The processing
// slot (Queue.current) is the only thing granting access to the engine, store rows mirror it.
// Failed sessions are retried up to MaxRetries, engine crashes fail the running job immediately.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/umputun/forgeq/app/bridge"
	"github.com/umputun/forgeq/app/enums"
	"github.com/umputun/forgeq/app/metrics"
	"github.com/umputun/forgeq/app/presets"
	"github.com/umputun/forgeq/app/scratch"
	"github.com/umputun/forgeq/app/session"
	"github.com/umputun/forgeq/app/store"
)

//go:generate moq -out mocks/engine.go -pkg mocks -skip-ensure -fmt goimports . Engine
//go:generate moq -out mocks/notifier.go -pkg mocks -skip-ensure -fmt goimports . Notifier

var (
	// ErrCapacity returned by Enqueue when queued and processing jobs reached MaxQueued
	ErrCapacity = errors.New("queue is full")
	// ErrInvalidRequest returned by Enqueue for requests which can't become a job
	ErrInvalidRequest = errors.New("invalid request")
)

// failure messages recorded for jobs failed by the queue itself
const (
	msgInterrupted         = "interrupted by restart"
	msgCancelled           = "cancelled"
	msgCancelledProcessing = "cancelled while processing"
	msgCrashed             = "inference process crashed during processing"
)

// Engine is the bridge as seen by the queue
type Engine interface {
	State() enums.BridgeState
	Crashes() uint64
	Subscribe(fn func(bridge.Event)) (unsubscribe func())
	EngineRSS(ctx context.Context) uint64
}

// Notifier delivers operator alerts
type Notifier interface {
	Send(ctx context.Context, subj, text string) error
}

// Params of the queue. Store and Generator are required.
type Params struct {
	Store         *store.Store
	Generator     session.Generator
	Engine        Engine       // optional, dispatch waits while it is not running
	Scratch       *scratch.Dir // required for mesh jobs
	ScratchMaxAge time.Duration
	Notifier      Notifier     // optional
	Presets       *presets.Set // optional
	MaxQueued     int          // limit of queued + processing jobs, 0 means unlimited
	MaxRetries    int
	RetryDelay    time.Duration // pause before the next dispatch after a retry
	HoldPoll      time.Duration // recheck interval while the engine is not running
	OutputDir     string
	NotifyTimeout time.Duration

	CrashGrace      time.Duration // how long a failed call waits for the engine to report a crash
	WriteAttempts   int           // attempts to store a settlement before the slot is held
	WriteRetryDelay time.Duration // initial delay between settlement attempts, doubled each time
}

// Request is a generation request
type Request struct {
	Type      enums.JobType
	Prompt    string
	Image     []byte // input image of mesh jobs
	ImageName string
	Width     int
	Height    int
	Steps     int
	Preset    string
	ProjectID string
}

// Ticket is a result of enqueue
type Ticket struct {
	JobID    string          `json:"job_id"`
	Status   enums.JobStatus `json:"status"`
	Position int             `json:"position"`
}

// Status is a snapshot of the scheduler
type Status struct {
	Paused          bool        `json:"paused"`
	Processing      bool        `json:"processing"`
	CurrentJobID    string      `json:"current_job_id,omitempty"`
	Stage           string      `json:"stage,omitempty"`
	Percent         int         `json:"percent,omitempty"`
	QueuedCount     int         `json:"queued_count"`
	ProcessingCount int         `json:"processing_count"`
	Jobs            []store.Job `json:"jobs"`
}

// slot is the job holding the engine, token tells settlements of the current slot from stale ones
type slot struct {
	job             store.Job
	token           uint64
	cancel          context.CancelFunc
	cancelRequested bool
	stage           string
	percent         int
	crashes         uint64        // engine crash count at dispatch
	released        chan struct{} // closed when a crash released the slot
	settling        bool          // outcome decided, crash events leave it alone
	pending         *outcome      // outcome not stored yet, the slot is held until it is
}

// Queue is a single-slot scheduler. All methods are safe for concurrent use.
type Queue struct {
	params Params

	mu      sync.Mutex
	paused  bool
	current *slot
	token   uint64
	retryAt time.Time

	wake        chan struct{}
	wg          sync.WaitGroup
	unsubscribe func()
}

// New makes a queue, call Init before Run
func New(params Params) (*Queue, error) {
	if params.Store == nil {
		return nil, errors.New("store is required")
	}
	if params.Generator == nil {
		return nil, errors.New("generator is required")
	}
	if params.MaxRetries < 0 {
		params.MaxRetries = 0
	}
	if params.HoldPoll <= 0 {
		params.HoldPoll = time.Second
	}
	if params.CrashGrace <= 0 {
		params.CrashGrace = 2 * time.Second
	}
	if params.WriteAttempts <= 0 {
		params.WriteAttempts = 3
	}
	if params.WriteRetryDelay <= 0 {
		params.WriteRetryDelay = 100 * time.Millisecond
	}
	if params.NotifyTimeout <= 0 {
		params.NotifyTimeout = 10 * time.Second
	}
	if params.Presets == nil {
		params.Presets = presets.Default()
	}
	return &Queue{params: params, wake: make(chan struct{}, 1)}, nil
}

// Init recovers jobs interrupted by the previous run, cleans scratch dir and subscribes to engine events
func (q *Queue) Init(ctx context.Context) error {
	ids, err := q.params.Store.RecoverInterrupted(ctx, msgInterrupted)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted jobs: %w", err)
	}
	for _, id := range ids {
		log.Printf("[WARN] job %s was processing when the previous run stopped, marked failed", id)
		metrics.JobSettled("", metrics.OutcomeInterrupted)
	}

	if _, err := q.CleanupScratch(ctx); err != nil {
		log.Printf("[WARN] scratch cleanup failed, %v", err)
	}

	if q.params.Engine != nil && q.unsubscribe == nil {
		q.unsubscribe = q.params.Engine.Subscribe(q.onEngineEvent)
	}
	q.refreshGauges(ctx)
	return nil
}

// CleanupScratch removes old scratch files not referenced by active jobs
func (q *Queue) CleanupScratch(ctx context.Context) (int, error) {
	if q.params.Scratch == nil || q.params.ScratchMaxAge <= 0 {
		return 0, nil
	}
	active, err := q.params.Store.ActiveJobs(ctx)
	if err != nil {
		return 0, err
	}
	keep := map[string]bool{}
	for _, j := range active {
		if j.InputPath != "" {
			keep[j.InputPath] = true
		}
	}
	return q.params.Scratch.Cleanup(ctx, q.params.ScratchMaxAge, keep)
}

// Close detaches the queue from engine events
func (q *Queue) Close() {
	if q.unsubscribe != nil {
		q.unsubscribe()
	}
}

// Enqueue validates and persists a new job. Returns ErrCapacity if the queue is full, nothing is stored then.
func (q *Queue) Enqueue(ctx context.Context, req Request) (*Ticket, error) {
	job, err := q.makeJob(ctx, req)
	if err != nil {
		metrics.JobRejected("invalid")
		return nil, err
	}

	if job.Type == enums.JobTypeMesh {
		if job.InputPath, err = q.params.Scratch.Put(job.ID, req.ImageName, req.Image); err != nil {
			return nil, err
		}
	}

	ok, err := q.params.Store.InsertJob(ctx, &job, q.params.MaxQueued)
	if err != nil || !ok {
		q.dropInput(job)
		if err != nil {
			return nil, err
		}
		metrics.JobRejected("capacity")
		return nil, fmt.Errorf("%w, %d jobs are waiting or running", ErrCapacity, q.params.MaxQueued)
	}

	pos, err := q.params.Store.QueuePosition(ctx, job.ID)
	if err != nil {
		log.Printf("[WARN] can't get position of job %s, %v", job.ID, err)
	}
	log.Printf("[INFO] job %s (%s) queued at position %d", job.ID, job.Type, pos)
	metrics.JobEnqueued(job.Type.String())
	q.signal()
	return &Ticket{JobID: job.ID, Status: job.Status, Position: pos}, nil
}

func (q *Queue) makeJob(ctx context.Context, req Request) (store.Job, error) {
	invalid := func(err error) (store.Job, error) {
		return store.Job{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	job := store.Job{ID: uuid.NewString(), Type: req.Type, OutputDir: q.params.OutputDir}
	switch req.Type {
	case enums.JobTypeMesh:
		if _, err := bridge.ValidateImage(req.Image); err != nil {
			return invalid(err)
		}
		if q.params.Scratch == nil {
			return invalid(errors.New("mesh jobs are disabled, no scratch dir"))
		}
		job.Options.ImageName = req.ImageName
	case enums.JobTypeImage, enums.JobTypeFull:
		if err := bridge.ValidatePrompt(req.Prompt); err != nil {
			return invalid(err)
		}
		job.Prompt = strings.TrimSpace(req.Prompt)
		w, h, steps, err := q.params.Presets.Apply(req.Preset, req.Width, req.Height, req.Steps)
		if err != nil {
			return invalid(err)
		}
		if err := bridge.ValidateOptions(w, h, steps); err != nil {
			return invalid(err)
		}
		job.Options.Width, job.Options.Height, job.Options.Steps = w, h, steps
		job.Options.Preset = req.Preset
	default:
		return invalid(fmt.Errorf("unknown job type %q", req.Type))
	}

	if req.ProjectID != "" {
		if _, err := q.params.Store.GetProject(ctx, req.ProjectID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return invalid(err)
			}
			return store.Job{}, err
		}
		job.ProjectID = &req.ProjectID
	}
	return job, nil
}

// Cancel fails a queued job and returns true. A processing job can't be interrupted, it is marked
// to fail on settlement and false is returned. Unknown job returns store.ErrNotFound.
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current != nil && q.current.job.ID == id {
		q.current.cancelRequested = true
		log.Printf("[INFO] job %s is processing, will be failed on settlement", id)
		return false, nil
	}

	job, err := q.params.Store.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	if job.Status != enums.JobStatusQueued {
		return false, nil
	}
	ok, err := q.params.Store.FailJob(ctx, id, enums.JobStatusQueued, msgCancelled)
	if err != nil || !ok {
		return false, err
	}
	q.dropInput(job)
	log.Printf("[INFO] job %s cancelled", id)
	metrics.JobSettled(job.Type.String(), metrics.OutcomeCancelled)
	return true, nil
}

// Pause stops new dispatches, the processing job runs to completion
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	log.Printf("[INFO] queue paused")
}

// Resume re-arms dispatching
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	log.Printf("[INFO] queue resumed")
	q.signal()
}

// Status returns the scheduler snapshot, never waits for engine calls
func (q *Queue) Status(ctx context.Context) (Status, error) {
	q.mu.Lock()
	res := Status{Paused: q.paused}
	if q.current != nil {
		res.Processing = true
		res.CurrentJobID = q.current.job.ID
		res.Stage, res.Percent = q.current.stage, q.current.percent
	}
	q.mu.Unlock()

	jobs, err := q.params.Store.ActiveJobs(ctx)
	if err != nil {
		return Status{}, err
	}
	res.Jobs = jobs
	for _, j := range jobs {
		switch j.Status {
		case enums.JobStatusQueued:
			res.QueuedCount++
		case enums.JobStatusProcessing:
			res.ProcessingCount++
		}
	}
	return res, nil
}

// signal wakes the scheduling loop, never blocks
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dropInput removes scratch input of a job which will never run again
func (q *Queue) dropInput(job store.Job) {
	if job.InputPath == "" || q.params.Scratch == nil {
		return
	}
	if err := q.params.Scratch.Remove(job.InputPath); err != nil {
		log.Printf("[WARN] can't remove input of job %s, %v", job.ID, err)
	}
}

func (q *Queue) refreshGauges(ctx context.Context) {
	queued, err := q.params.Store.CountByStatus(ctx, enums.JobStatusQueued)
	if err != nil {
		log.Printf("[WARN] can't count queued jobs, %v", err)
		return
	}
	q.mu.Lock()
	busy := q.current != nil
	q.mu.Unlock()
	metrics.SetQueue(queued, busy)
}

// alert sends notification in background, bounded by NotifyTimeout
func (q *Queue) alert(subj, text string) {
	if q.params.Notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), q.params.NotifyTimeout)
		defer cancel()
		if err := q.params.Notifier.Send(ctx, subj, text); err != nil {
			log.Printf("[WARN] failed to send alert %q, %v", subj, err)
		}
	}()
}
