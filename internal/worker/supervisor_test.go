package worker

import (
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeWorkerEnv = "WALLHOST_FAKE_WORKER"

// TestMain lets the test binary double as a rendering worker.
func TestMain(m *testing.M) {
	if os.Getenv(fakeWorkerEnv) == "1" {
		runFakeWorker()
		return
	}
	os.Exit(m.Run())
}

func runFakeWorker() {
	if code := os.Getenv("WALLHOST_FAKE_EXIT"); code != "" {
		n, _ := strconv.Atoi(code)
		os.Exit(n)
	}
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, os.Interrupt)
	select {
	case <-sig:
		os.Exit(0)
	case <-time.After(30 * time.Second):
		os.Exit(2)
	}
}

type events struct {
	mu      sync.Mutex
	started []Started
	stopped []Stopped
	errs    []SpawnError
	exited  []Exited
}

func observe(s *Supervisor) *events {
	ev := &events{}
	s.OnStart().Subscribe(func(v Started) { ev.mu.Lock(); ev.started = append(ev.started, v); ev.mu.Unlock() })
	s.OnStop().Subscribe(func(v Stopped) { ev.mu.Lock(); ev.stopped = append(ev.stopped, v); ev.mu.Unlock() })
	s.OnError().Subscribe(func(v SpawnError) { ev.mu.Lock(); ev.errs = append(ev.errs, v); ev.mu.Unlock() })
	s.OnExit().Subscribe(func(v Exited) { ev.mu.Lock(); ev.exited = append(ev.exited, v); ev.mu.Unlock() })
	return ev
}

func (e *events) counts() (int, int, int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.started), len(e.stopped), len(e.errs), len(e.exited)
}

func fakeWorker(t *testing.T, hwnd int64, env ...string) *Supervisor {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake worker relies on SIGTERM")
	}
	s := NewSupervisor(hwnd,
		WithPlatforms(map[string]string{runtime.GOOS: os.Args[0]}),
		WithEnv(append([]string{fakeWorkerEnv + "=1"}, env...)...),
		WithKillTimeout(2*time.Second),
	)
	t.Cleanup(s.Destroy)
	return s
}

func TestSupervisor_UnsupportedPlatformIsSilent(t *testing.T) {
	s := NewSupervisor(7, WithPlatforms(map[string]string{"windows": "renderer.exe"}), WithPlatform("plan9"))
	ev := observe(s)

	s.Start()
	s.Kill()

	started, stopped, errs, exited := ev.counts()
	assert.Zero(t, started+stopped+errs+exited)
	assert.False(t, s.Running())
	assert.False(t, s.Supported())
	assert.Zero(t, s.PID())
}

func TestSupervisor_KillWithoutWorkerIsNoop(t *testing.T) {
	s := NewSupervisor(1)
	ev := observe(s)

	s.Kill()
	s.Kill()

	_, stopped, errs, _ := ev.counts()
	assert.Zero(t, stopped)
	assert.Zero(t, errs)
}

func TestSupervisor_SpawnFailurePublishesError(t *testing.T) {
	s := NewSupervisor(3, WithPlatforms(map[string]string{runtime.GOOS: "/nonexistent/wallhost-renderer"}))
	ev := observe(s)

	require.NotPanics(t, s.Start)

	started, _, errs, _ := ev.counts()
	assert.Zero(t, started)
	require.Equal(t, 1, errs)
	assert.Equal(t, "SpawnError", ev.errs[0].Name)
	assert.NotEmpty(t, ev.errs[0].Description)
	assert.False(t, s.Running())
}

func TestSupervisor_StartAndKill(t *testing.T) {
	s := fakeWorker(t, 42)
	ev := observe(s)

	s.Start()
	s.Start()
	require.True(t, s.Running())
	pid := s.PID()
	assert.Positive(t, pid)

	s.Kill()
	s.Kill()
	assert.False(t, s.Running())

	started, stopped, errs, exited := ev.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, stopped)
	assert.Zero(t, errs)
	assert.Equal(t, int64(42), ev.started[0].HWND)
	assert.Equal(t, pid, ev.stopped[0].PID)

	time.Sleep(100 * time.Millisecond)
	_, _, _, exited = ev.counts()
	assert.Zero(t, exited, "a killed worker must not be reported as an unexpected exit")
}

func TestSupervisor_UnexpectedExitClearsHandle(t *testing.T) {
	s := fakeWorker(t, 9, "WALLHOST_FAKE_EXIT=3")
	ev := observe(s)

	s.Start()
	require.Eventually(t, func() bool {
		_, _, _, exited := ev.counts()
		return exited == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.False(t, s.Running())
	assert.Equal(t, 3, ev.exited[0].Code)

	s.Kill()
	_, stopped, _, _ := ev.counts()
	assert.Zero(t, stopped)
}

func TestSupervisor_DestroyDisposesBeforeKill(t *testing.T) {
	s := fakeWorker(t, 5)
	ev := observe(s)

	s.Start()
	s.Destroy()

	started, stopped, _, _ := ev.counts()
	assert.Equal(t, 1, started)
	assert.Zero(t, stopped, "emitters are disposed before the kill")
	assert.False(t, s.Running())
}

func TestPool_OneSupervisorPerWindow(t *testing.T) {
	p := NewPool(WithPlatform("plan9"))

	a, created := p.Acquire(100)
	assert.True(t, created)
	b, created := p.Acquire(100)
	assert.False(t, created)
	assert.Same(t, a, b)

	c, _ := p.Acquire(200)
	assert.NotSame(t, a, c)
	assert.Equal(t, []int64{100, 200}, p.Handles())

	p.Release(100)
	_, ok := p.Get(100)
	assert.False(t, ok)
	assert.True(t, a.OnStart().Disposed())

	p.DestroyAll()
	assert.Empty(t, p.Handles())
}
