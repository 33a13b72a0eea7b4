// Package worker supervises the external rendering process that draws a
// wallpaper into a desktop window.
package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"wallhost/pkg/event"
	"wallhost/pkg/logger"
)

const defaultKillTimeout = 5 * time.Second

// SpawnError is published when the worker binary cannot be started.
type SpawnError struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (e SpawnError) Error() string {
	return e.Name + ": " + e.Description
}

// Started is published once a worker process is running.
type Started struct {
	HWND int64 `json:"hwnd"`
	PID  int   `json:"pid"`
}

// Stopped is published after Kill terminated the worker.
type Stopped struct {
	HWND int64 `json:"hwnd"`
	PID  int   `json:"pid"`
}

// Exited is published when the worker ends on its own.
type Exited struct {
	HWND  int64  `json:"hwnd"`
	PID   int    `json:"pid"`
	Code  int    `json:"code"`
	Error string `json:"error,omitempty"`
}

// Supervisor owns at most one rendering process bound to one window handle.
// It never restarts a worker; observers of OnExit decide about that.
type Supervisor struct {
	hwnd        int64
	goos        string
	platforms   map[string]string
	args        []string
	env         []string
	killTimeout time.Duration
	log         *slog.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	exit chan struct{}

	onStart *event.Emitter[Started]
	onStop  *event.Emitter[Stopped]
	onError *event.Emitter[SpawnError]
	onExit  *event.Emitter[Exited]
}

// Option customises a Supervisor.
type Option func(*Supervisor)

// WithPlatforms sets the worker binary for each GOOS value. Platforms missing
// from the map are unsupported.
func WithPlatforms(platforms map[string]string) Option {
	return func(s *Supervisor) {
		s.platforms = make(map[string]string, len(platforms))
		for goos, bin := range platforms {
			s.platforms[goos] = bin
		}
	}
}

// WithPlatform overrides the detected operating system.
func WithPlatform(goos string) Option {
	return func(s *Supervisor) {
		if goos != "" {
			s.goos = goos
		}
	}
}

// WithArgs appends extra arguments after --HWND.
func WithArgs(args ...string) Option {
	return func(s *Supervisor) { s.args = append(s.args, args...) }
}

// WithEnv adds KEY=VALUE pairs to the worker environment.
func WithEnv(env ...string) Option {
	return func(s *Supervisor) { s.env = append(s.env, env...) }
}

// WithKillTimeout bounds how long Kill waits before forcing the process down.
func WithKillTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.killTimeout = d
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.log = l
		}
	}
}

// NewSupervisor creates a supervisor for the window identified by hwnd.
func NewSupervisor(hwnd int64, opts ...Option) *Supervisor {
	s := &Supervisor{
		hwnd:        hwnd,
		goos:        runtime.GOOS,
		platforms:   map[string]string{},
		killTimeout: defaultKillTimeout,
		log:         logger.Named("worker"),
		onStart:     event.New[Started]("worker.start"),
		onStop:      event.New[Stopped]("worker.stop"),
		onError:     event.New[SpawnError]("worker.error"),
		onExit:      event.New[Exited]("worker.exit"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.Int64("hwnd", hwnd))
	return s
}

// OnStart fires after a worker process was spawned.
func (s *Supervisor) OnStart() *event.Emitter[Started] { return s.onStart }

// OnStop fires after Kill terminated a running worker.
func (s *Supervisor) OnStop() *event.Emitter[Stopped] { return s.onStop }

// OnError fires when spawning fails. Subscribe before calling Start.
func (s *Supervisor) OnError() *event.Emitter[SpawnError] { return s.onError }

// OnExit fires when a worker exits without being killed.
func (s *Supervisor) OnExit() *event.Emitter[Exited] { return s.onExit }

// HWND returns the bound window handle.
func (s *Supervisor) HWND() int64 { return s.hwnd }

// Supported reports whether a worker binary is configured for this platform.
func (s *Supervisor) Supported() bool {
	return s.platforms[s.goos] != ""
}

// Running reports whether a worker process is alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}

// PID returns the process id of the running worker, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Start spawns the worker unless one is already running. On an unsupported
// platform it does nothing and publishes nothing. Spawn failures are
// published through OnError and leave no process handle behind.
func (s *Supervisor) Start() {
	s.mu.Lock()
	if s.cmd != nil {
		s.mu.Unlock()
		return
	}
	bin := s.platforms[s.goos]
	if bin == "" {
		s.mu.Unlock()
		s.log.Debug("no worker binary for platform", slog.String("platform", s.goos))
		return
	}

	args := append([]string{fmt.Sprintf("--HWND=%d", s.hwnd)}, s.args...)
	cmd := exec.Command(bin, args...)
	if len(s.env) > 0 {
		cmd.Env = append(os.Environ(), s.env...)
	}
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		spawnErr := SpawnError{Name: "SpawnError", Description: err.Error()}
		s.log.Error("worker spawn failed", slog.String("binary", bin), slog.Any("error", err))
		logger.Audit().Warn("worker.spawn_failed", slog.Int64("hwnd", s.hwnd), slog.String("binary", bin), slog.String("error", err.Error()))
		s.onError.Fire(spawnErr)
		return
	}
	exit := make(chan struct{})
	s.cmd, s.exit = cmd, exit
	pid := cmd.Process.Pid
	s.mu.Unlock()

	go s.wait(cmd, exit)

	s.log.Info("worker started", slog.String("binary", bin), slog.Int("pid", pid))
	logger.Audit().Info("worker.spawn", slog.Int64("hwnd", s.hwnd), slog.String("binary", bin), slog.Int("pid", pid))
	s.onStart.Fire(Started{HWND: s.hwnd, PID: pid})
}

func (s *Supervisor) wait(cmd *exec.Cmd, exit chan struct{}) {
	err := cmd.Wait()
	close(exit)

	s.mu.Lock()
	unexpected := s.cmd == cmd
	if unexpected {
		s.cmd, s.exit = nil, nil
	}
	s.mu.Unlock()
	if !unexpected {
		return
	}

	ev := Exited{HWND: s.hwnd, PID: cmd.Process.Pid, Code: cmd.ProcessState.ExitCode()}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		ev.Error = err.Error()
	}
	s.log.Warn("worker exited", slog.Int("pid", ev.PID), slog.Int("code", ev.Code))
	s.onExit.Fire(ev)
}

// Kill terminates the running worker gracefully and publishes OnStop. Without
// a running worker it does nothing.
func (s *Supervisor) Kill() {
	s.mu.Lock()
	cmd, exit := s.cmd, s.exit
	s.cmd, s.exit = nil, nil
	s.mu.Unlock()
	if cmd == nil {
		return
	}

	pid := cmd.Process.Pid
	if err := terminate(cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Warn("graceful termination failed", slog.Int("pid", pid), slog.Any("error", err))
	}
	go s.reap(cmd.Process, exit)

	s.log.Info("worker stopped", slog.Int("pid", pid))
	logger.Audit().Info("worker.kill", slog.Int64("hwnd", s.hwnd), slog.Int("pid", pid))
	s.onStop.Fire(Stopped{HWND: s.hwnd, PID: pid})
}

// reap forces the process down when it ignores the termination request.
func (s *Supervisor) reap(proc *os.Process, exit <-chan struct{}) {
	timer := time.NewTimer(s.killTimeout)
	defer timer.Stop()
	select {
	case <-exit:
	case <-timer.C:
		s.log.Warn("worker ignored termination, killing", slog.Int("pid", proc.Pid))
		_ = proc.Kill()
	}
}

// Destroy disposes every emitter and then kills the worker.
func (s *Supervisor) Destroy() {
	s.onStart.Dispose()
	s.onStop.Dispose()
	s.onError.Dispose()
	s.onExit.Dispose()
	s.Kill()
}
