// Package mouse relays cursor positions pushed by a front-end to every
// renderer surface listening on the channel.
package mouse

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"wallhost/internal/channel"
	xerrors "wallhost/internal/errors"
	"wallhost/pkg/event"
	"wallhost/pkg/plugin"
)

const (
	// ID is the plugin id.
	ID = "mouse"
	// Event accepts a position, or returns the last one when called without.
	Event = "lm:mouse"
	// StreamEvent streams every accepted position.
	StreamEvent = "lm:mouse:move"
)

// Position is a cursor position in screen coordinates.
type Position struct {
	X    int   `json:"x"`
	Y    int   `json:"y"`
	HWND int64 `json:"hwnd,omitempty"`
}

// Config is the plugin configuration block.
type Config struct {
	// MinInterval drops positions arriving faster than this. Zero keeps all.
	MinInterval time.Duration `yaml:"minInterval"`
}

// Plugin keeps the last position and fans positions out.
type Plugin struct {
	cfg   Config
	moves *event.Emitter[Position]
	now   func() time.Time

	mu   sync.Mutex
	last Position
	seen bool
	at   time.Time
}

// New registers the lm:mouse service and stream.
func New(ctx *plugin.Context) (plugin.Plugin, error) {
	p := &Plugin{moves: event.New[Position]("mouse.move"), now: time.Now}
	if err := ctx.DecodeConfig(&p.cfg); err != nil {
		return nil, err
	}
	if err := ctx.RegisterService(Event, p.handle); err != nil {
		return nil, err
	}
	if err := ctx.RegisterStream(StreamEvent, channel.FromEmitter(p.moves)); err != nil {
		return nil, err
	}
	return p, nil
}

// Info implements plugin.Plugin.
func (p *Plugin) Info() plugin.Info {
	return plugin.Info{
		ID:           ID,
		Name:         "Mouse relay",
		Description:  "Forwards cursor positions to interactive wallpapers.",
		Author:       "wallhost",
		Version:      "1.0.0",
		Capabilities: []plugin.Capability{plugin.CapabilityServices, plugin.CapabilityStreams},
	}
}

// OnDestroy ends every listener.
func (p *Plugin) OnDestroy() error {
	p.moves.Dispose()
	return nil
}

// Moves exposes the position emitter.
func (p *Plugin) Moves() *event.Emitter[Position] { return p.moves }

func (p *Plugin) handle(_ context.Context, arg json.RawMessage) (any, error) {
	if len(arg) == 0 || string(arg) == "null" {
		return p.Last()
	}
	var pos Position
	if err := json.Unmarshal(arg, &pos); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode mouse position")
	}
	return p.Push(pos), nil
}

// Push records pos and fires it unless it arrived within MinInterval of the
// previous accepted position. It reports whether pos was accepted.
func (p *Plugin) Push(pos Position) bool {
	now := p.now()
	p.mu.Lock()
	if p.seen && p.cfg.MinInterval > 0 && now.Sub(p.at) < p.cfg.MinInterval {
		p.mu.Unlock()
		return false
	}
	p.last, p.seen, p.at = pos, true, now
	p.mu.Unlock()
	p.moves.Fire(pos)
	return true
}

// Last returns the last accepted position.
func (p *Plugin) Last() (Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.seen {
		return Position{}, xerrors.New(xerrors.CodeNotFound, "no mouse position received yet")
	}
	return p.last, nil
}
