package bridge

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/forgeq/app/enums"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) kinds() []enums.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]enums.EventKind, 0, len(r.events))
	for _, e := range r.events {
		if e.Kind == enums.EventHealth {
			continue
		}
		res = append(res, e.Kind)
	}
	return res
}

func (r *eventRecorder) has(kind enums.EventKind) bool {
	for _, k := range r.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func spawnCount(t *testing.T, file string) int {
	t.Helper()
	fh, err := os.Open(file) //nolint:gosec
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	require.NoError(t, err)
	defer fh.Close()
	n := 0
	for sc := bufio.NewScanner(fh); sc.Scan(); {
		n++
	}
	return n
}

func fakeEngineParams(t *testing.T, portFrom, portTo int) Params {
	t.Helper()
	t.Setenv(fakeEngineEnv, "1")
	return Params{
		Command:          os.Args[0],
		Host:             "127.0.0.1",
		PortFrom:         portFrom,
		PortTo:           portTo,
		StartupTimeout:   5 * time.Second,
		StartupPoll:      20 * time.Millisecond,
		HealthInterval:   50 * time.Millisecond,
		HealthTimeout:    500 * time.Millisecond,
		FailureThreshold: 3,
		MaxRestarts:      3,
		RestartCooldown:  20 * time.Millisecond,
		StopGrace:        2 * time.Second,
		OutputLines:      10,
	}
}

func TestBridge_StartStop(t *testing.T) {
	port := freePort(t)
	spawns := filepath.Join(t.TempDir(), "spawns")
	t.Setenv("FAKE_ENGINE_SPAWNS", spawns)
	b := New(fakeEngineParams(t, port, port+1))
	rec := &eventRecorder{}
	b.Subscribe(rec.record)

	assert.Equal(t, enums.BridgeStateStopped, b.State())
	require.NoError(t, b.Start(context.Background()))

	info := b.Info()
	assert.Equal(t, enums.BridgeStateRunning, info.State)
	assert.Equal(t, port, info.Port)
	assert.NotZero(t, info.PID)
	require.NotNil(t, info.LastHealth)
	assert.Equal(t, "fake", info.LastHealth.GPUName)
	assert.Equal(t, 1, spawnCount(t, spawns))

	// second start is a no-op
	require.NoError(t, b.Start(context.Background()))
	assert.Equal(t, 1, spawnCount(t, spawns))

	health, err := b.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)

	res, err := b.GenerateImage(context.Background(), ImageRequest{Prompt: "a red cube"})
	require.NoError(t, err)
	assert.Equal(t, "fake1", res.EngineJobID)

	require.Eventually(t, func() bool { return b.EngineRSS(context.Background()) > 0 }, time.Second, 20*time.Millisecond)

	pid := info.PID
	require.NoError(t, b.Stop(context.Background()))
	assert.Equal(t, enums.BridgeStateStopped, b.State())
	assert.Equal(t, []enums.EventKind{enums.EventStarted, enums.EventStopped}, rec.kinds())

	_, err = b.GenerateImage(context.Background(), ImageRequest{Prompt: "a red cube"})
	require.ErrorIs(t, err, ErrNotRunning)

	proc, err := os.FindProcess(pid)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return proc.Signal(nilSignal()) != nil }, 2*time.Second, 20*time.Millisecond,
		"engine process gone")
	assert.Contains(t, b.Info().Output, "fake engine listening")
}

func TestBridge_PreflightFailureDoesNotSpawn(t *testing.T) {
	port := freePort(t)
	spawns := filepath.Join(t.TempDir(), "spawns")
	t.Setenv("FAKE_ENGINE_SPAWNS", spawns)
	params := fakeEngineParams(t, port, port)
	params.Checker = EnvChecker{Interpreter: "definitely-missing-interpreter-xyz"}
	b := New(params)
	rec := &eventRecorder{}
	b.Subscribe(rec.record)

	err := b.Start(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
	info := b.Info()
	assert.Equal(t, enums.BridgeStateUnavailable, info.State)
	assert.Contains(t, info.Reason, "definitely-missing-interpreter-xyz")
	assert.Equal(t, 0, spawnCount(t, spawns), "no process spawned")
	assert.Equal(t, []enums.EventKind{enums.EventError}, rec.kinds())

	_, err = b.GenerateImage(context.Background(), ImageRequest{Prompt: "a red cube"})
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestBridge_PortScan(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	b := New(fakeEngineParams(t, busy, busy+1))
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(context.Background()) //nolint:errcheck
	assert.Equal(t, busy+1, b.Info().Port)
}

func TestBridge_StartupFailureExhaustsRange(t *testing.T) {
	port := freePort(t)
	spawns := filepath.Join(t.TempDir(), "spawns")
	t.Setenv("FAKE_ENGINE_SPAWNS", spawns)
	t.Setenv("FAKE_ENGINE_MODE", "never-healthy")
	params := fakeEngineParams(t, port, port+1)
	params.StartupTimeout = 300 * time.Millisecond
	b := New(params)

	err := b.Start(context.Background())
	require.ErrorIs(t, err, ErrStartupFailed)
	require.ErrorIs(t, err, ErrStartupTimeout)
	assert.Equal(t, enums.BridgeStateError, b.State())
	assert.Equal(t, 2, spawnCount(t, spawns), "one attempt per port")
}

func TestBridge_EarlyExitTriesNextPort(t *testing.T) {
	port := freePort(t)
	t.Setenv("FAKE_ENGINE_MODE", "exit")
	b := New(fakeEngineParams(t, port, port))
	err := b.Start(context.Background())
	require.ErrorIs(t, err, ErrStartupFailed)
	assert.Contains(t, err.Error(), "exited during startup")
	assert.Contains(t, b.Info().Output, "fatal: no cuda")
}

func TestBridge_HealthFailuresRestart(t *testing.T) {
	port := freePort(t)
	sick := filepath.Join(t.TempDir(), "sick")
	spawns := filepath.Join(t.TempDir(), "spawns")
	t.Setenv("FAKE_ENGINE_SICK", sick)
	t.Setenv("FAKE_ENGINE_SPAWNS", spawns)
	b := New(fakeEngineParams(t, port, port+2))
	rec := &eventRecorder{}
	var crashOnce sync.Once
	b.Subscribe(func(e Event) {
		rec.record(e)
		if e.Kind == enums.EventCrash {
			crashOnce.Do(func() { _ = os.Remove(sick) }) // heal before the restart attempt
		}
	})
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(context.Background()) //nolint:errcheck

	require.NoError(t, os.WriteFile(sick, []byte("1"), 0o600))
	require.Eventually(t, func() bool { return rec.has(enums.EventCrash) }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return b.State() == enums.BridgeStateRunning && spawnCount(t, spawns) == 2
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, 1, b.Info().Restarts, "restart counter incremented once")
	assert.Equal(t, []enums.EventKind{enums.EventStarted, enums.EventCrash, enums.EventStarted}, rec.kinds())

	rec.mu.Lock()
	var crash Event
	failures := 0
	for _, e := range rec.events {
		if e.Kind == enums.EventCrash {
			crash = e
		}
		if e.Kind == enums.EventHealth && e.Failures > failures {
			failures = e.Failures
		}
	}
	rec.mu.Unlock()
	assert.Contains(t, crash.Reason, "3 consecutive health check failures")
	assert.Equal(t, 3, failures)
}

func TestBridge_CrashPublishedBeforeKill(t *testing.T) {
	port := freePort(t)
	sick := filepath.Join(t.TempDir(), "sick")
	t.Setenv("FAKE_ENGINE_SICK", sick)
	params := fakeEngineParams(t, port, port+1)
	params.MaxRestarts = 0
	b := New(params)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(context.Background()) //nolint:errcheck
	proc, err := os.FindProcess(b.Info().PID)
	require.NoError(t, err)

	type seen struct {
		info  Info
		alive bool
	}
	ch := make(chan seen, 1)
	b.Subscribe(func(e Event) {
		if e.Kind == enums.EventCrash {
			ch <- seen{info: b.Info(), alive: proc.Signal(nilSignal()) == nil}
		}
	})
	require.NoError(t, os.WriteFile(sick, []byte("1"), 0o600))

	select {
	case s := <-ch:
		assert.True(t, s.alive, "engine is killed after the crash is published")
		assert.Equal(t, enums.BridgeStateError, s.info.State)
		assert.Equal(t, uint64(1), s.info.Crashes)
		assert.Zero(t, s.info.PID, "crashed process is detached from the bridge")
	case <-time.After(5 * time.Second):
		t.Fatal("no crash event")
	}
	require.Eventually(t, func() bool { return proc.Signal(nilSignal()) != nil }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, uint64(1), b.Crashes())
	_, err = b.GenerateImage(context.Background(), ImageRequest{Prompt: "a lamp in the dark", Width: 512, Height: 512, Steps: 10})
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestBridge_RestartExhausted(t *testing.T) {
	port := freePort(t)
	sick := filepath.Join(t.TempDir(), "sick")
	t.Setenv("FAKE_ENGINE_SICK", sick)
	params := fakeEngineParams(t, port, port+2)
	params.MaxRestarts = 2
	params.StartupTimeout = 200 * time.Millisecond
	b := New(params)
	rec := &eventRecorder{}
	b.Subscribe(rec.record)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(context.Background()) //nolint:errcheck

	require.NoError(t, os.WriteFile(sick, []byte("1"), 0o600))
	require.Eventually(t, func() bool { return rec.has(enums.EventRestartFailed) }, 15*time.Second, 20*time.Millisecond)

	info := b.Info()
	assert.Equal(t, enums.BridgeStateError, info.State)
	assert.Equal(t, 2, info.Restarts, "never exceeds max restarts")
	assert.Contains(t, info.Reason, "restart failed after 2 attempts")
	assert.Equal(t, []enums.EventKind{enums.EventStarted, enums.EventCrash, enums.EventRestartFailed}, rec.kinds())

	// explicit start resets the counter
	require.NoError(t, os.Remove(sick))
	require.NoError(t, b.Start(context.Background()))
	assert.Equal(t, enums.BridgeStateRunning, b.State())
	assert.Equal(t, 0, b.Info().Restarts)
}

func TestBridge_UnexpectedExitIsCrash(t *testing.T) {
	port := freePort(t)
	params := fakeEngineParams(t, port, port+1)
	params.MaxRestarts = 0
	b := New(params)
	rec := &eventRecorder{}
	b.Subscribe(rec.record)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(context.Background()) //nolint:errcheck

	pid := b.Info().PID
	proc, err := os.FindProcess(pid)
	require.NoError(t, err)
	require.NoError(t, proc.Kill())

	require.Eventually(t, func() bool { return rec.has(enums.EventRestartFailed) }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []enums.EventKind{enums.EventStarted, enums.EventCrash, enums.EventRestartFailed}, rec.kinds())
	assert.Equal(t, 0, b.Info().Restarts)
}

func TestBridge_SubscribeOrderAndUnsubscribe(t *testing.T) {
	b := New(Params{})
	var mu sync.Mutex
	var calls []string
	unsub1 := b.Subscribe(func(Event) { mu.Lock(); calls = append(calls, "first"); mu.Unlock() })
	b.Subscribe(func(Event) { mu.Lock(); calls = append(calls, "second"); mu.Unlock() })

	b.emit(Event{Kind: enums.EventHealth})
	unsub1()
	b.emit(Event{Kind: enums.EventHealth})
	assert.Equal(t, []string{"first", "second", "second"}, calls)
}

func TestBridge_SubscriberCanQueryInfo(t *testing.T) {
	b := New(Params{})
	done := make(chan Info, 1)
	b.Subscribe(func(Event) { done <- b.Info() })
	b.emit(Event{Kind: enums.EventError})
	select {
	case info := <-done:
		assert.Equal(t, enums.BridgeStateStopped, info.State)
	case <-time.After(time.Second):
		t.Fatal("handler deadlocked")
	}
}

func TestNew_Defaults(t *testing.T) {
	b := New(Params{Command: "python3"})
	assert.Equal(t, "127.0.0.1", b.params.Host)
	assert.Equal(t, 8001, b.params.PortFrom)
	assert.Equal(t, 8001, b.params.PortTo)
	assert.Equal(t, 30*time.Second, b.params.StartupTimeout)
	assert.Equal(t, 180*time.Second, b.params.CallTimeout)
	assert.Equal(t, 10*time.Second, b.params.HealthInterval)
	assert.Equal(t, 3, b.params.FailureThreshold)
	assert.Equal(t, 5*time.Second, b.params.RestartCooldown)
}
