// Package bridge supervises the external inference engine process and provides a typed,
// timeout-bounded client to its loopback HTTP interface. It runs the pre-flight environment
// check, scans a port range on start, polls engine health, restarts a crashed engine a bounded
// number of times and publishes lifecycle events to subscribers.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/umputun/forgeq/app/enums"
)

// Checker verifies the environment before the engine is spawned, error text is the reason
type Checker interface {
	Check(ctx context.Context) error
}

// Params defines bridge options, zero values replaced by defaults
type Params struct {
	Command          string   // engine executable, e.g. python3
	Args             []string // engine arguments, --host and --port appended
	Host             string
	PortFrom, PortTo int
	StartupTimeout   time.Duration
	StartupPoll      time.Duration
	CallTimeout      time.Duration // per generation call, doubled for the full pipeline
	HealthInterval   time.Duration
	HealthTimeout    time.Duration
	FailureThreshold int // consecutive health failures forcing a restart
	MaxRestarts      int
	RestartCooldown  time.Duration
	StopGrace        time.Duration // between SIGTERM and SIGKILL
	OutputLines      int           // engine output lines kept for crash reports
	Stdout           io.Writer     // engine output is copied here with a prefix, nil to discard
	Checker          Checker       // pre-flight check, nil to skip
	HTTPClient       *http.Client
}

// Info is a snapshot of the bridge state
type Info struct {
	State      enums.BridgeState `json:"state"`
	Reason     string            `json:"reason,omitempty"`
	Port       int               `json:"port,omitempty"`
	PID        int               `json:"pid,omitempty"`
	Restarts   int               `json:"restarts"`
	Failures   int               `json:"failures"`
	Crashes    uint64            `json:"crashes"`
	StartedAt  time.Time         `json:"started_at,omitzero"`
	LastHealth *HealthInfo       `json:"last_health,omitempty"`
	Output     string            `json:"output,omitempty"`
}

// Bridge owns one engine process. All methods are safe for concurrent use.
type Bridge struct {
	params Params
	client *http.Client
	output *outputTail

	mu         sync.Mutex
	state      enums.BridgeState
	reason     string
	proc       *engineProc
	restarts   int
	failures   int
	crashes    uint64 // total since creation, never reset
	lastHealth *HealthInfo
	supCancel  context.CancelFunc // stops health loop and restart attempts
	wg         sync.WaitGroup     // supervisor, restart and launch goroutines
	startMu    sync.Mutex         // serializes Start calls

	subsMu    sync.Mutex
	subs      []subscriber
	nextSubID int
}

// engineProc is a spawned engine process
type engineProc struct {
	cmd       *exec.Cmd
	port      int
	startedAt time.Time
	done      chan struct{} // closed on exit
	err       error         // exit error, valid after done is closed
}

func (p *engineProc) pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *engineProc) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// New makes a stopped bridge
func New(params Params) *Bridge {
	if params.Host == "" {
		params.Host = "127.0.0.1"
	}
	if params.PortFrom <= 0 {
		params.PortFrom = 8001
	}
	if params.PortTo < params.PortFrom {
		params.PortTo = params.PortFrom
	}
	setDuration(&params.StartupTimeout, 30*time.Second)
	setDuration(&params.StartupPoll, 500*time.Millisecond)
	setDuration(&params.CallTimeout, 180*time.Second)
	setDuration(&params.HealthInterval, 10*time.Second)
	setDuration(&params.HealthTimeout, 5*time.Second)
	setDuration(&params.RestartCooldown, 5*time.Second)
	setDuration(&params.StopGrace, 5*time.Second)
	if params.FailureThreshold <= 0 {
		params.FailureThreshold = 3
	}
	if params.MaxRestarts < 0 {
		params.MaxRestarts = 0
	}
	if params.Stdout == nil {
		params.Stdout = io.Discard
	}
	client := params.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Bridge{params: params, client: client, output: newOutputTail(params.OutputLines),
		state: enums.BridgeStateStopped}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// Start runs the pre-flight check and launches the engine on the first port it becomes healthy on.
// Start on a running bridge is a no-op. An explicit start resets the restart counter and cancels
// pending restart attempts.
func (b *Bridge) Start(ctx context.Context) error {
	b.startMu.Lock()
	defer b.startMu.Unlock()

	if b.State() == enums.BridgeStateRunning {
		return nil
	}
	b.cancelSupervisor()
	b.wg.Wait()

	supCtx, supCancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.state, b.reason, b.restarts, b.failures = enums.BridgeStateStarting, "", 0, 0
	b.supCancel = supCancel
	b.wg.Add(1)
	b.mu.Unlock()
	defer b.wg.Done()

	if b.params.Checker != nil {
		if err := b.params.Checker.Check(ctx); err != nil {
			reason := err.Error()
			log.Printf("[WARN] inference engine pre-flight failed: %s", reason)
			b.mu.Lock()
			b.state, b.reason, b.supCancel = enums.BridgeStateUnavailable, reason, nil
			b.mu.Unlock()
			supCancel()
			b.emit(Event{Kind: enums.EventError, State: enums.BridgeStateUnavailable, Reason: reason})
			return fmt.Errorf("%w: %s", ErrUnavailable, reason)
		}
	}

	if err := b.launch(ctx, supCtx); err != nil {
		b.emit(Event{Kind: enums.EventError, State: enums.BridgeStateError, Reason: err.Error()})
		return err
	}
	return nil
}

// Stop cancels health checks and restart attempts, terminates the engine process group
// and force-kills it after the grace period
func (b *Bridge) Stop(_ context.Context) error {
	b.cancelSupervisor() // aborts a start in progress
	b.startMu.Lock()
	defer b.startMu.Unlock()
	b.cancelSupervisor()
	b.wg.Wait()

	b.mu.Lock()
	proc := b.proc
	b.proc = nil
	prev := b.state
	b.state, b.reason, b.failures = enums.BridgeStateStopped, "", 0
	b.mu.Unlock()

	var err error
	if proc != nil {
		err = b.kill(proc)
		log.Printf("[INFO] inference engine stopped, pid %d", proc.pid())
	}
	if prev != enums.BridgeStateStopped {
		b.emit(Event{Kind: enums.EventStopped, State: enums.BridgeStateStopped})
	}
	return err
}

// Info returns current state, never blocks on the engine
func (b *Bridge) Info() Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	res := Info{State: b.state, Reason: b.reason, Restarts: b.restarts, Failures: b.failures, Crashes: b.crashes,
		LastHealth: b.lastHealth, Output: b.output.String()}
	if b.proc != nil {
		res.Port, res.PID, res.StartedAt = b.proc.port, b.proc.pid(), b.proc.startedAt
	}
	return res
}

// Crashes returns the number of engine crashes seen by this bridge
func (b *Bridge) Crashes() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.crashes
}

// State returns current bridge state
func (b *Bridge) State() enums.BridgeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// EngineRSS returns resident memory of the engine process, 0 if not running or unknown
func (b *Bridge) EngineRSS(ctx context.Context) uint64 {
	b.mu.Lock()
	proc := b.proc
	b.mu.Unlock()
	if proc == nil || proc.exited() {
		return 0
	}
	if proc.pid() == 0 {
		return 0
	}
	p, err := process.NewProcessWithContext(ctx, int32(proc.pid())) //nolint:gosec // pid fits int32
	if err != nil {
		return 0
	}
	mi, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0
	}
	return mi.RSS
}

func (b *Bridge) cancelSupervisor() {
	b.mu.Lock()
	cancel := b.supCancel
	b.supCancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (b *Bridge) setState(state enums.BridgeState, reason string) {
	b.mu.Lock()
	b.state, b.reason = state, reason
	b.mu.Unlock()
}

// launch tries every port of the range and keeps the first engine reporting healthy.
// startCtx bounds the startup, supCtx owns the health loop of the launched engine.
func (b *Bridge) launch(startCtx, supCtx context.Context) error {
	var lastErr error
	for port := b.params.PortFrom; port <= b.params.PortTo; port++ {
		if err := startCtx.Err(); err != nil {
			return b.startFailed(fmt.Errorf("%w: %w", ErrStartupFailed, err))
		}
		if err := supCtx.Err(); err != nil {
			return b.startFailed(fmt.Errorf("%w: %w", ErrStartupFailed, err))
		}
		if !portFree(b.params.Host, port) {
			log.Printf("[DEBUG] port %d is busy, skipped", port)
			lastErr = fmt.Errorf("port %d is busy", port)
			continue
		}

		proc, err := b.spawn(port)
		if err != nil {
			lastErr = err
			log.Printf("[WARN] failed to spawn inference engine on port %d, %v", port, err)
			continue
		}

		health, err := b.waitHealthy(startCtx, supCtx, proc)
		if err != nil {
			lastErr = err
			log.Printf("[WARN] inference engine on port %d not healthy, %v", port, err)
			if kerr := b.kill(proc); kerr != nil {
				log.Printf("[WARN] failed to kill engine attempt on port %d, %v", port, kerr)
			}
			continue
		}

		b.mu.Lock()
		if supCtx.Err() != nil { // stopped while starting
			b.mu.Unlock()
			_ = b.kill(proc)
			return b.startFailed(fmt.Errorf("%w: %w", ErrStartupFailed, supCtx.Err()))
		}
		b.proc = proc
		b.state, b.reason, b.failures = enums.BridgeStateRunning, "", 0
		b.lastHealth = health
		restarts := b.restarts
		b.wg.Add(1)
		b.mu.Unlock()

		go b.supervise(supCtx, proc)
		log.Printf("[INFO] inference engine running on %s:%d, pid %d", b.params.Host, port, proc.pid())
		b.emit(Event{Kind: enums.EventStarted, State: enums.BridgeStateRunning, Port: port, Restarts: restarts,
			Health: health})
		return nil
	}

	if lastErr == nil {
		lastErr = errors.New("empty port range")
	}
	return b.startFailed(fmt.Errorf("%w: ports %d-%d, last error: %w", ErrStartupFailed,
		b.params.PortFrom, b.params.PortTo, lastErr))
}

func (b *Bridge) startFailed(err error) error {
	b.setState(enums.BridgeStateError, err.Error())
	return err
}

func (b *Bridge) spawn(port int) (*engineProc, error) {
	args := append(append([]string{}, b.params.Args...), "--host", b.params.Host, "--port", strconv.Itoa(port))
	cmd := exec.Command(b.params.Command, args...) //nolint:gosec // command comes from configuration
	setProcGroup(cmd)
	b.output.reset()
	out := io.MultiWriter(b.output, newLinePrefixer(b.params.Stdout, "engine:"+strconv.Itoa(port)))
	cmd.Stdout, cmd.Stderr = out, out
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", b.params.Command, err)
	}
	proc := &engineProc{cmd: cmd, port: port, startedAt: time.Now(), done: make(chan struct{})}
	go func() {
		proc.err = cmd.Wait()
		close(proc.done)
	}()
	log.Printf("[DEBUG] spawned inference engine pid %d on port %d", cmd.Process.Pid, port)
	return proc, nil
}

// waitHealthy polls engine health until it answers, the process exits or startup timeout passes
func (b *Bridge) waitHealthy(startCtx, supCtx context.Context, proc *engineProc) (*HealthInfo, error) {
	deadline := time.NewTimer(b.params.StartupTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(b.params.StartupPoll)
	defer ticker.Stop()

	for {
		select {
		case <-startCtx.Done():
			return nil, startCtx.Err()
		case <-supCtx.Done():
			return nil, supCtx.Err()
		case <-proc.done:
			return nil, fmt.Errorf("process exited during startup: %v", proc.err)
		case <-deadline.C:
			return nil, fmt.Errorf("%w after %v", ErrStartupTimeout, b.params.StartupTimeout)
		case <-ticker.C:
			health, err := b.health(startCtx, b.baseURL(proc.port))
			if err == nil {
				return health, nil
			}
			log.Printf("[DEBUG] engine on port %d not ready yet, %v", proc.port, err)
		}
	}
}

// kill terminates the process group and escalates to SIGKILL after the grace period
func (b *Bridge) kill(proc *engineProc) error {
	if proc.exited() {
		return nil
	}
	if err := terminate(proc.cmd); err != nil {
		log.Printf("[WARN] failed to terminate engine pid %d, %v", proc.pid(), err)
	}
	grace := time.NewTimer(b.params.StopGrace)
	defer grace.Stop()
	select {
	case <-proc.done:
		return nil
	case <-grace.C:
	}
	log.Printf("[WARN] engine pid %d still alive after %v, killing", proc.pid(), b.params.StopGrace)
	if err := forceKill(proc.cmd); err != nil {
		return fmt.Errorf("failed to kill engine pid %d: %w", proc.pid(), err)
	}
	<-proc.done
	return nil
}

func (b *Bridge) baseURL(port int) string {
	return "http://" + net.JoinHostPort(b.params.Host, strconv.Itoa(port))
}

func portFree(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
