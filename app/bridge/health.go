package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"

	"github.com/umputun/forgeq/app/enums"
)

var errRestartsExhausted = errors.New("restart attempts exhausted")

// supervise polls health of the running engine and watches for its exit.
// on crash it kills the process and runs the restart policy.
func (b *Bridge) supervise(ctx context.Context, proc *engineProc) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.params.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-proc.done:
			b.crashed(ctx, proc, fmt.Sprintf("process exited unexpectedly: %v", proc.err))
			return
		case <-ticker.C:
			if failures, err := b.checkHealth(ctx, proc); err != nil && failures >= b.params.FailureThreshold {
				b.crashed(ctx, proc, fmt.Sprintf("%d consecutive health check failures, last: %v", failures, err))
				return
			}
		}
	}
}

// checkHealth makes one health request and returns the number of consecutive failures
func (b *Bridge) checkHealth(ctx context.Context, proc *engineProc) (int, error) {
	health, err := b.health(ctx, b.baseURL(proc.port))
	if ctx.Err() != nil {
		return 0, nil // stopping, not a failure
	}

	b.mu.Lock()
	if b.proc != proc {
		b.mu.Unlock()
		return 0, nil
	}
	if err != nil {
		b.failures++
	} else {
		b.failures = 0
		b.lastHealth = health
	}
	failures, restarts := b.failures, b.restarts
	b.mu.Unlock()

	if err != nil {
		log.Printf("[WARN] engine health check failed (%d/%d), %v", failures, b.params.FailureThreshold, err)
	}
	b.emit(Event{Kind: enums.EventHealth, State: enums.BridgeStateRunning, Port: proc.port, Restarts: restarts,
		Failures: failures, Health: health})
	return failures, err
}

// crashed publishes the crash, kills the process and runs bounded restart attempts.
// state and crash event go out before the kill, so calls broken by the kill see a crashed engine.
func (b *Bridge) crashed(ctx context.Context, proc *engineProc, reason string) {
	b.mu.Lock()
	if b.proc != proc {
		b.mu.Unlock()
		return
	}
	b.proc = nil
	b.crashes++
	b.state, b.reason, b.failures = enums.BridgeStateError, reason, 0
	restarts := b.restarts
	b.mu.Unlock()

	log.Printf("[ERROR] inference engine crashed on port %d: %s", proc.port, reason)
	b.emit(Event{Kind: enums.EventCrash, State: enums.BridgeStateError, Reason: reason, Port: proc.port,
		Restarts: restarts, Output: b.output.String()})

	if err := b.kill(proc); err != nil {
		log.Printf("[WARN] %v", err)
	}
	b.restart(ctx, reason)
}

// restart makes up to MaxRestarts attempts (counted since the last explicit Start),
// separated by RestartCooldown. Exhaustion leaves the bridge in error and emits restart_failed.
func (b *Bridge) restart(ctx context.Context, reason string) {
	b.mu.Lock()
	remaining := b.params.MaxRestarts - b.restarts
	b.mu.Unlock()

	err := errRestartsExhausted
	if remaining > 0 {
		// give the crashed engine time to release its port and GPU memory
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.params.RestartCooldown):
		}
		rpt := repeater.New(&strategy.FixedDelay{Repeats: remaining, Delay: b.params.RestartCooldown})
		err = rpt.Do(ctx, func() error { return b.restartAttempt(ctx) }, errRestartsExhausted)
	}

	if err == nil {
		return
	}
	if ctx.Err() != nil {
		log.Printf("[DEBUG] restart of inference engine cancelled")
		return
	}

	b.mu.Lock()
	restarts := b.restarts
	b.state = enums.BridgeStateError
	b.reason = fmt.Sprintf("restart failed after %d attempts: %s", restarts, reason)
	msg := b.reason
	b.mu.Unlock()

	log.Printf("[ERROR] inference engine %s", msg)
	b.emit(Event{Kind: enums.EventRestartFailed, State: enums.BridgeStateError, Reason: msg, Restarts: restarts,
		Output: b.output.String()})
}

func (b *Bridge) restartAttempt(ctx context.Context) error {
	b.mu.Lock()
	if b.restarts >= b.params.MaxRestarts {
		b.mu.Unlock()
		return errRestartsExhausted
	}
	b.restarts++
	attempt := b.restarts
	b.state = enums.BridgeStateStarting
	b.mu.Unlock()

	log.Printf("[INFO] restarting inference engine, attempt %d/%d", attempt, b.params.MaxRestarts)
	if err := b.launch(ctx, ctx); err != nil {
		log.Printf("[WARN] restart attempt %d failed, %v", attempt, err)
		return err
	}
	return nil
}
