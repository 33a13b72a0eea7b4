package host

import (
	"context"
	"log/slog"
	"strconv"

	xerrors "wallhost/internal/errors"
	"wallhost/internal/worker"
)

// Worker states published on worker:state.
const (
	StateStarted = "started"
	StateStopped = "stopped"
	StateExited  = "exited"
	StateFailed  = "failed"
)

// WorkerState is one renderer lifecycle transition.
type WorkerState struct {
	HWND  int64  `json:"hwnd"`
	State string `json:"state"`
	PID   int    `json:"pid,omitempty"`
	Code  int    `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// WorkerStatus describes the renderer bound to one window handle.
type WorkerStatus struct {
	HWND      int64 `json:"hwnd"`
	Supported bool  `json:"supported"`
	Running   bool  `json:"running"`
	PID       int   `json:"pid,omitempty"`
}

func statusOf(s *worker.Supervisor) WorkerStatus {
	return WorkerStatus{HWND: s.HWND(), Supported: s.Supported(), Running: s.Running(), PID: s.PID()}
}

// supervisor returns the supervisor for hwnd, relaying its events to
// worker:state the first time it is created.
func (a *App) supervisor(hwnd int64) *worker.Supervisor {
	s, created := a.pool.Acquire(hwnd)
	if !created {
		return s
	}
	s.OnStart().Subscribe(func(ev worker.Started) {
		a.states.Fire(WorkerState{HWND: ev.HWND, State: StateStarted, PID: ev.PID})
	})
	s.OnStop().Subscribe(func(ev worker.Stopped) {
		a.states.Fire(WorkerState{HWND: ev.HWND, State: StateStopped, PID: ev.PID})
	})
	s.OnExit().Subscribe(func(ev worker.Exited) {
		a.states.Fire(WorkerState{HWND: ev.HWND, State: StateExited, PID: ev.PID, Code: ev.Code, Error: ev.Error})
	})
	s.OnError().Subscribe(func(ev worker.SpawnError) {
		a.states.Fire(WorkerState{HWND: hwnd, State: StateFailed, Error: ev.Description})
	})
	return s
}

// startWorker spawns the renderer for hwnd. With restart set a running
// renderer is stopped first so it picks up a new wallpaper. An unsupported
// platform is reported through the status, not as an error.
func (a *App) startWorker(ctx context.Context, hwnd int64, restart bool) (WorkerStatus, error) {
	s := a.supervisor(hwnd)
	if !s.Supported() {
		a.log.Info("renderer not supported on this platform", slog.Int64("hwnd", hwnd))
		return statusOf(s), nil
	}
	if restart && s.Running() {
		s.Kill()
	}

	var spawnErr *worker.SpawnError
	sub := s.OnError().Subscribe(func(ev worker.SpawnError) { spawnErr = &ev })
	s.Start()
	sub.Dispose()

	if spawnErr != nil {
		err := xerrors.New(xerrors.CodeSpawn, spawnErr.Description,
			xerrors.WithMetadata("hwnd", strconv.FormatInt(hwnd, 10)))
		a.alerts.Raise(ctx, "worker", err)
		return statusOf(s), err
	}
	return statusOf(s), nil
}

func (a *App) stopWorker(hwnd int64) (WorkerStatus, error) {
	s, ok := a.pool.Get(hwnd)
	if !ok {
		return WorkerStatus{}, xerrors.New(xerrors.CodeNotFound, "no renderer for window "+strconv.FormatInt(hwnd, 10))
	}
	s.Kill()
	return statusOf(s), nil
}

func (a *App) workerStatus(hwnd int64) []WorkerStatus {
	if hwnd != 0 {
		if s, ok := a.pool.Get(hwnd); ok {
			return []WorkerStatus{statusOf(s)}
		}
		return []WorkerStatus{}
	}
	handles := a.pool.Handles()
	out := make([]WorkerStatus, 0, len(handles))
	for _, h := range handles {
		if s, ok := a.pool.Get(h); ok {
			out = append(out, statusOf(s))
		}
	}
	return out
}
