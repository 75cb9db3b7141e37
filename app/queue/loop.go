package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"

	"github.com/umputun/forgeq/app/bridge"
	"github.com/umputun/forgeq/app/enums"
	"github.com/umputun/forgeq/app/metrics"
	"github.com/umputun/forgeq/app/session"
	"github.com/umputun/forgeq/app/store"
)

// Run is the scheduling loop, blocks until ctx is done. A job processing at that moment is
// failed as interrupted once its session returns.
func (q *Queue) Run(ctx context.Context) error {
	log.Printf("[INFO] queue started, max queued %d, max retries %d", q.params.MaxQueued, q.params.MaxRetries)
	q.signal()
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	for {
		var timerCh <-chan time.Time
		if wait := q.dispatch(ctx); wait > 0 {
			timer.Reset(wait)
			timerCh = timer.C
		}
		select {
		case <-ctx.Done():
			q.wg.Wait()
			log.Printf("[INFO] queue stopped")
			return ctx.Err()
		case <-q.wake:
		case <-timerCh:
		}
		timer.Stop()
	}
}

// dispatch claims the oldest queued job if the slot is free. Returns how long to wait before the
// next attempt if dispatching is on hold, zero means wait for a signal.
func (q *Queue) dispatch(ctx context.Context) time.Duration {
	if ctx.Err() != nil {
		return 0
	}
	if !q.flushPending(ctx) {
		return q.params.HoldPoll
	}
	if q.params.Engine != nil {
		if state := q.params.Engine.State(); state != enums.BridgeStateRunning {
			log.Printf("[DEBUG] dispatch on hold, engine is %s", state)
			return q.params.HoldPoll
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused || q.current != nil {
		return 0
	}
	if wait := time.Until(q.retryAt); wait > 0 {
		return wait
	}

	job, err := q.params.Store.NextQueued(ctx)
	if errors.Is(err, store.ErrNotFound) {
		metrics.SetQueue(0, false)
		return 0
	}
	if err != nil {
		log.Printf("[WARN] can't get next job, %v", err)
		return q.params.HoldPoll
	}
	ok, err := q.params.Store.MarkProcessing(ctx, job.ID)
	if err != nil {
		log.Printf("[WARN] can't claim job %s, %v", job.ID, err)
		return q.params.HoldPoll
	}
	if !ok {
		log.Printf("[DEBUG] job %s is not queued anymore", job.ID)
		q.signal()
		return 0
	}

	job.Status = enums.JobStatusProcessing
	q.token++
	sctx, cancel := context.WithCancel(ctx)
	sl := &slot{job: job, token: q.token, cancel: cancel, released: make(chan struct{})}
	if q.params.Engine != nil {
		sl.crashes = q.params.Engine.Crashes()
	}
	q.current = sl
	log.Printf("[INFO] job %s (%s) started, attempt %d", job.ID, job.Type, job.RetryCount+1)
	if queued, err := q.params.Store.CountByStatus(ctx, enums.JobStatusQueued); err == nil {
		metrics.SetQueue(queued, true)
	}

	q.wg.Add(1)
	go q.execute(ctx, sctx, sl)
	return 0
}

// flushPending retries the stored outcome of a slot whose settlement write failed.
// Returns false while the slot is still held by it.
func (q *Queue) flushPending(ctx context.Context) bool {
	q.mu.Lock()
	sl := q.current
	if sl == nil || sl.pending == nil {
		q.mu.Unlock()
		return true
	}
	if err := sl.pending.write(ctx); err != nil {
		q.mu.Unlock()
		log.Printf("[WARN] outcome of job %s is still not stored, %v", sl.job.ID, err)
		return false
	}
	log.Printf("[INFO] outcome of job %s stored, slot released", sl.job.ID)
	q.release(sl, *sl.pending)
	q.mu.Unlock()
	q.refreshGauges(ctx)
	return true
}

// execute runs a session for the slot and settles its result
func (q *Queue) execute(runCtx, ctx context.Context, sl *slot) {
	defer q.wg.Done()
	sess := session.New(sl.job, q.params.Generator, session.Params{OutputDir: q.outputDir(sl.job),
		Observer: &slotObserver{q: q, token: sl.token}, Checkpointer: q.params.Store})
	res, err := sess.Run(ctx)
	if err != nil && runCtx.Err() == nil && q.params.Engine != nil && engineFailure(err) {
		// a killed engine breaks the call before the bridge reports the crash
		grace := time.NewTimer(q.params.CrashGrace)
		select {
		case <-sl.released:
		case <-grace.C:
		case <-runCtx.Done():
		}
		grace.Stop()
	}
	q.settle(runCtx.Err() != nil, sl, res, err)
}

// engineFailure tells errors which may come from a dead engine from answers of a live one
func engineFailure(err error) bool {
	var perr *bridge.ProtocolError
	return !errors.As(err, &perr) && !errors.Is(err, bridge.ErrInvalidPayload) && !errors.Is(err, session.ErrInvalidJob)
}

// outcome is the settlement of a slot, write is the conditional update of the job row
type outcome struct {
	kind  string // metrics outcome
	write func(ctx context.Context) error
	retry bool
	alert string
	done  func()
}

// settle stores the outcome of a session and releases the slot. Results of slots already released
// by a crash are dropped. If the outcome can't be stored the slot is kept, so no other job is
// dispatched while the row is still processing.
func (q *Queue) settle(shutdown bool, sl *slot, res *session.Result, runErr error) {
	ctx := context.Background()
	q.mu.Lock()
	sl.cancel()
	if q.current != sl || sl.settling {
		q.mu.Unlock()
		log.Printf("[DEBUG] dropped stale result of job %s, err: %v", sl.job.ID, runErr)
		return
	}
	sl.settling = true
	cancelled := sl.cancelRequested
	q.mu.Unlock()

	out := q.decide(ctx, sl, shutdown, cancelled, res, runErr)
	rpt := repeater.New(&strategy.Backoff{Repeats: q.params.WriteAttempts, Duration: q.params.WriteRetryDelay, Factor: 2})
	err := rpt.Do(ctx, func() error { return out.write(ctx) })

	q.mu.Lock()
	if err != nil {
		sl.pending = &out
		q.mu.Unlock()
		log.Printf("[ERROR] can't store outcome of job %s, slot held until stored, %v", sl.job.ID, err)
		q.signal()
		return
	}
	q.release(sl, out)
	q.mu.Unlock()
	q.refreshGauges(ctx)
	q.signal()
}

// release frees the slot once its outcome is stored, called with q.mu held
func (q *Queue) release(sl *slot, out outcome) {
	q.current = nil
	if out.retry {
		q.retryAt = time.Now().Add(q.params.RetryDelay)
	}
	metrics.JobSettled(sl.job.Type.String(), out.kind)
	if out.done != nil {
		out.done()
	}
	if out.alert != "" {
		q.alert(fmt.Sprintf("forgeq job %s (%s) failed", sl.job.ID, sl.job.Type), out.alert)
	}
}

// decide picks the outcome of a finished session
func (q *Queue) decide(ctx context.Context, sl *slot, shutdown, cancelled bool, res *session.Result,
	runErr error) outcome {
	job := sl.job
	switch {
	case cancelled:
		return q.failure(job, metrics.OutcomeCancelled, msgCancelledProcessing, false)
	case runErr == nil:
		return q.completion(ctx, job, res)
	case shutdown:
		return q.failure(job, metrics.OutcomeInterrupted, msgInterrupted, false)
	case q.engineCrashed(sl):
		return q.failure(job, metrics.OutcomeCrashed, fmt.Sprintf("%s: %v", msgCrashed, runErr), true)
	case errors.Is(runErr, session.ErrInvalidJob):
		return q.failure(job, metrics.OutcomeFailed, fmt.Sprintf("not retried: %v", runErr), true)
	case job.RetryCount < q.params.MaxRetries:
		msg := fmt.Sprintf("attempt %d failed: %v", job.RetryCount+1, runErr)
		return outcome{kind: metrics.OutcomeRetried, retry: true,
			write: func(ctx context.Context) error {
				return q.transition(ctx, job.ID, "requeue", func() (bool, error) {
					return q.params.Store.RequeueJob(ctx, job.ID, msg)
				})
			},
			done: func() {
				log.Printf("[WARN] job %s %s, retry %d of %d", job.ID, msg, job.RetryCount+1, q.params.MaxRetries)
			}}
	default:
		return q.failure(job, metrics.OutcomeFailed, fmt.Sprintf("failed after %d retries: %v", job.RetryCount, runErr), true)
	}
}

// engineCrashed reports a crash of the engine since the slot was dispatched
func (q *Queue) engineCrashed(sl *slot) bool {
	if q.params.Engine == nil {
		return false
	}
	return q.params.Engine.Crashes() != sl.crashes || q.params.Engine.State() == enums.BridgeStateError
}

// transition runs a conditional job update. A row not in the expected status is logged and
// counts as done, the slot doesn't own it anymore.
func (q *Queue) transition(ctx context.Context, id, name string, fn func() (bool, error)) error {
	ok, err := fn()
	if err != nil {
		return fmt.Errorf("can't %s job %s: %w", name, id, err)
	}
	if !ok {
		log.Printf("[WARN] can't %s job %s, it is not processing", name, id)
	}
	return nil
}

// completion marks the job complete, registers its asset for project jobs and drops the scratch input
func (q *Queue) completion(ctx context.Context, job store.Job, res *session.Result) outcome {
	usage := store.ResourceUsage{DurationMs: res.Duration.Milliseconds(), EngineTime: res.EngineTime,
		OutputBytes: res.OutputBytes}
	if q.params.Engine != nil {
		usage.EngineRSS = q.params.Engine.EngineRSS(ctx)
	}
	c := store.Completion{GenerationTime: res.Duration.Seconds(), Usage: usage, OutputDir: res.Dir}
	if job.ProjectID != nil {
		c.AssetID = q.registerAsset(ctx, job, res)
	}
	return outcome{kind: metrics.OutcomeComplete,
		write: func(ctx context.Context) error {
			return q.transition(ctx, job.ID, "complete", func() (bool, error) {
				return q.params.Store.CompleteJob(ctx, job.ID, c)
			})
		},
		done: func() {
			q.dropInput(job)
			log.Printf("[INFO] job %s (%s) complete in %v", job.ID, job.Type, res.Duration.Round(time.Millisecond))
		}}
}

func (q *Queue) registerAsset(ctx context.Context, job store.Job, res *session.Result) string {
	path, kind, format := res.MeshPath, "mesh", "glb"
	if path == "" {
		path, kind, format = res.ImagePath, "image", "png"
	}
	meta := store.AssetMetadata{Format: format, Source: job.ID}
	if res.ImagePath != "" && res.MeshPath != "" {
		meta.Textures = []string{res.ImagePath}
	}
	asset, err := q.params.Store.CreateAsset(ctx, store.Asset{ProjectID: *job.ProjectID, Name: filepath.Base(path),
		Type: kind, FilePath: path, FileSize: res.OutputBytes, Metadata: meta})
	if err != nil {
		log.Printf("[WARN] can't register asset of job %s, %v", job.ID, err)
		return ""
	}
	return asset.ID
}

// failure fails the processing job with msg, alert sends msg to the operator
func (q *Queue) failure(job store.Job, kind, msg string, alert bool) outcome {
	res := outcome{kind: kind,
		write: func(ctx context.Context) error {
			return q.transition(ctx, job.ID, "fail", func() (bool, error) {
				return q.params.Store.FailJob(ctx, job.ID, enums.JobStatusProcessing, msg)
			})
		},
		done: func() {
			q.dropInput(job)
			log.Printf("[WARN] job %s (%s) failed, %s", job.ID, job.Type, msg)
		}}
	if alert {
		res.alert = msg
	}
	return res
}

// onEngineEvent reacts to engine lifecycle, called synchronously by the bridge
func (q *Queue) onEngineEvent(evt bridge.Event) {
	metrics.BridgeEvent(evt.Kind.String(), evt.State.Index(), evt.Failures)
	switch evt.Kind {
	case enums.EventCrash:
		q.crashed(evt)
	case enums.EventStarted:
		q.signal()
	case enums.EventRestartFailed:
		q.alert("forgeq inference engine is down", fmt.Sprintf("%s\n\n%s", evt.Reason, evt.Output))
	}
}

// crashed fails the processing job without touching its retry budget and releases the slot.
// the session still running for it is cancelled and its result dropped on settlement.
// A slot already settling keeps its own outcome.
func (q *Queue) crashed(evt bridge.Event) {
	ctx := context.Background()
	q.mu.Lock()
	sl := q.current
	if sl == nil || sl.settling {
		q.mu.Unlock()
		return
	}
	sl.cancel()
	close(sl.released)
	msg := msgCrashed
	if evt.Reason != "" {
		msg += ": " + evt.Reason
	}
	out := q.failure(sl.job, metrics.OutcomeCrashed, msg, true)
	if err := out.write(ctx); err != nil {
		// the session settles nothing for a released slot, keep the outcome for dispatch
		sl.settling = true
		sl.pending = &out
		q.mu.Unlock()
		log.Printf("[ERROR] can't store crash of job %s, slot held until stored, %v", sl.job.ID, err)
		q.signal()
		return
	}
	q.release(sl, out)
	q.mu.Unlock()

	q.refreshGauges(ctx)
	q.signal()
}

func (q *Queue) outputDir(job store.Job) string {
	if job.OutputDir != "" {
		return job.OutputDir
	}
	return q.params.OutputDir
}

// slotObserver keeps progress of the current slot and feeds generation metrics
type slotObserver struct {
	q     *Queue
	token uint64
}

func (o *slotObserver) OnProgress(p session.Progress) {
	o.q.mu.Lock()
	defer o.q.mu.Unlock()
	if o.q.current != nil && o.q.current.token == o.token {
		o.q.current.stage, o.q.current.percent = string(p.State), p.Percent
	}
}

func (o *slotObserver) OnTelemetry(t session.Telemetry) {
	metrics.ObserveGeneration(t.Type.String(), t.Duration.Seconds(), t.OutputBytes)
}
