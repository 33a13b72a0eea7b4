package mouse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wallhost/internal/channel"
	xerrors "wallhost/internal/errors"
	"wallhost/internal/wallpaper"
	"wallhost/pkg/plugin"
)

func register(t *testing.T, cfg map[string]any) (*Plugin, *channel.Server) {
	t.Helper()
	services := channel.NewServer()
	h := plugin.NewHost(services, wallpaper.NewRegistry())
	require.NoError(t, h.Register(ID, New, cfg, nil))
	p, ok := h.Plugin(ID)
	require.True(t, ok)
	return p.(*Plugin), services
}

func TestNew_RegistersServiceAndStream(t *testing.T) {
	_, services := register(t, nil)
	calls, streams := services.Names()
	assert.Contains(t, calls, Event)
	assert.Contains(t, streams, StreamEvent)
}

func TestNew_RejectsBadConfig(t *testing.T) {
	h := plugin.NewHost(channel.NewServer(), wallpaper.NewRegistry())
	err := h.Register(ID, New, map[string]any{"minInterval": "soon"}, nil)
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}

func TestPush_Throttles(t *testing.T) {
	p, _ := register(t, map[string]any{"minInterval": "50ms"})
	clock := time.Unix(0, 0)
	p.now = func() time.Time { return clock }

	var got []Position
	p.Moves().Subscribe(func(pos Position) { got = append(got, pos) })

	assert.True(t, p.Push(Position{X: 1, Y: 1}))
	clock = clock.Add(10 * time.Millisecond)
	assert.False(t, p.Push(Position{X: 2, Y: 2}))
	clock = clock.Add(40 * time.Millisecond)
	assert.True(t, p.Push(Position{X: 3, Y: 3}))

	assert.Equal(t, []Position{{X: 1, Y: 1}, {X: 3, Y: 3}}, got)
	last, err := p.Last()
	require.NoError(t, err)
	assert.Equal(t, Position{X: 3, Y: 3}, last)
}

func TestHandle_PushThenQuery(t *testing.T) {
	p, _ := register(t, nil)

	_, err := p.handle(context.Background(), nil)
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))

	accepted, err := p.handle(context.Background(), json.RawMessage(`{"x":640,"y":360,"hwnd":7}`))
	require.NoError(t, err)
	assert.Equal(t, true, accepted)

	last, err := p.handle(context.Background(), json.RawMessage(`null`))
	require.NoError(t, err)
	assert.Equal(t, Position{X: 640, Y: 360, HWND: 7}, last)

	_, err = p.handle(context.Background(), json.RawMessage(`[1,2]`))
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestOnDestroy_EndsListeners(t *testing.T) {
	p, _ := register(t, nil)
	p.Moves().Subscribe(func(Position) {})
	require.NoError(t, p.OnDestroy())
	assert.True(t, p.Moves().Disposed())
}
