package wallhost

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wallhost/internal/channel"
	xerrors "wallhost/internal/errors"
	"wallhost/internal/host"
	"wallhost/internal/wallpaper"
	"wallhost/pkg/event"
)

var aurora = wallpaper.Definition{ID: "aurora", Type: wallpaper.TypeVideo, Name: "Aurora", Preview: "p.png", Src: "a.mp4"}

func connect(t *testing.T, s *channel.Server) *Client {
	t.Helper()
	a, b := channel.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	go s.Serve(ctx, a)
	c := NewClient(b)
	t.Cleanup(func() {
		c.Close()
		cancel()
	})
	return c
}

func TestClient_TypedCalls(t *testing.T) {
	s := channel.NewServer()
	s.Handle(host.EventPing, func(context.Context, json.RawMessage) (any, error) {
		return host.Ping{Version: "test", Phase: "ready"}, nil
	})
	var setReq host.WallpaperRequest
	s.Handle(host.EventWallpaperSet, func(_ context.Context, arg json.RawMessage) (any, error) {
		if err := json.Unmarshal(arg, &setReq); err != nil {
			return nil, err
		}
		return aurora, nil
	})
	var listReq host.ListRequest
	s.Handle(host.EventWallpaperList, func(_ context.Context, arg json.RawMessage) (any, error) {
		if err := json.Unmarshal(arg, &listReq); err != nil {
			return nil, err
		}
		return []wallpaper.Definition{aurora}, nil
	})
	s.Handle(host.EventWorkerStatus, func(context.Context, json.RawMessage) (any, error) {
		return []host.WorkerStatus{{HWND: 7, Supported: true, Running: true, PID: 99}}, nil
	})
	c := connect(t, s)
	ctx := context.Background()

	ping, err := c.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ready", ping.Phase)

	def, err := c.SetWallpaper(ctx, 7, "aurora")
	require.NoError(t, err)
	assert.Equal(t, aurora.Name, def.Name)
	assert.Equal(t, host.WallpaperRequest{ID: "aurora", HWND: 7}, setReq)

	defs, err := c.Wallpapers(ctx, host.ListRequest{Type: wallpaper.TypeVideo, Limit: 5})
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, 5, listReq.Limit)

	status, err := c.WorkerStatus(ctx, 0)
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.Equal(t, 99, status[0].PID)
}

func TestClient_RemoteFailureIsAPIError(t *testing.T) {
	s := channel.NewServer()
	s.Handle(host.EventWallpaperGet, func(context.Context, json.RawMessage) (any, error) {
		return nil, xerrors.New(xerrors.CodeNotFound, "wallpaper missing")
	})
	c := connect(t, s)

	_, err := c.Wallpaper(context.Background(), "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %T", err)
	assert.Equal(t, string(xerrors.CodeNotFound), apiErr.Code)
	assert.Equal(t, host.EventWallpaperGet, apiErr.Event)
	assert.Equal(t, "wallpaper missing", apiErr.Message)
}

func TestClient_LocalFailureIsNotAPIError(t *testing.T) {
	c := connect(t, channel.NewServer())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Call(ctx, "never:answered", nil, nil)
	require.Error(t, err)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
	assert.Equal(t, xerrors.CodeRemoteCallFailed, xerrors.CodeOf(err))
}

func TestClient_Discovered(t *testing.T) {
	found := event.New[wallpaper.Definition]()
	s := channel.NewServer()
	s.HandleStream(host.StreamDiscovered, channel.FromEmitter(found))
	c := connect(t, s)

	defs := make(chan wallpaper.Definition, 4)
	sub := c.Discovered(defs)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool { return found.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	found.Fire(aurora)
	select {
	case got := <-defs:
		assert.Equal(t, aurora.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no definition delivered")
	}

	sub.Unsubscribe()
	require.Eventually(t, func() bool { return found.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestClient_UndecodableFrameEndsSubscription(t *testing.T) {
	states := event.New[string]()
	s := channel.NewServer()
	s.HandleStream(host.StreamWorkerState, channel.FromEmitter(states))
	c := connect(t, s)

	ch := make(chan host.WorkerState, 1)
	sub := c.WorkerStates(ch)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool { return states.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	states.Fire("not a state")
	select {
	case err := <-sub.Err():
		require.Error(t, err)
		assert.Equal(t, xerrors.CodeRemoteCallFailed, xerrors.CodeOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("subscription kept running")
	}
}

func TestDial_NoHost(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Dial(ctx, filepath.Join(t.TempDir(), "absent.sock"))
	require.Error(t, err)
}
