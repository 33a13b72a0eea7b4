// Package wallhost is a typed client for the services a running wallpaper
// host exposes on its channel socket.
package wallhost

import (
	"context"
	"encoding/json"
	"fmt"

	gethevent "github.com/ethereum/go-ethereum/event"

	"wallhost/internal/channel"
	xerrors "wallhost/internal/errors"
	"wallhost/internal/host"
	"wallhost/internal/observability/metrics"
	"wallhost/internal/wallpaper"
	"wallhost/pkg/plugin"
)

// Client wraps a channel connection to the host.
type Client struct {
	ch *channel.Client
}

// APIError is a failure reported by the host for one call.
type APIError struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wallhost %s: %s (%s)", e.Event, e.Message, e.Code)
}

// Dial connects to the host listening on the unix socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	t, err := channel.DialUnix(ctx, path)
	if err != nil {
		return nil, err
	}
	return NewClient(t), nil
}

// NewClient builds a client over an established transport.
func NewClient(t channel.Transport) *Client {
	return &Client{ch: channel.NewClient(t)}
}

// Close ends every subscription and the connection.
func (c *Client) Close() error {
	return c.ch.Close()
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.ch.Done()
}

// Ping reports the host version and lifecycle phase.
func (c *Client) Ping(ctx context.Context) (host.Ping, error) {
	var out host.Ping
	err := c.call(ctx, host.EventPing, nil, &out)
	return out, err
}

// Plugins lists the loaded plugins.
func (c *Client) Plugins(ctx context.Context) ([]plugin.Descriptor, error) {
	var out []plugin.Descriptor
	err := c.call(ctx, host.EventPlugins, nil, &out)
	return out, err
}

// Services lists every call and stream the host serves.
func (c *Client) Services(ctx context.Context) (host.Services, error) {
	var out host.Services
	err := c.call(ctx, host.EventServices, nil, &out)
	return out, err
}

// Metrics returns per-event call statistics.
func (c *Client) Metrics(ctx context.Context) ([]metrics.CallStat, error) {
	var out []metrics.CallStat
	err := c.call(ctx, host.EventMetrics, nil, &out)
	return out, err
}

// Wallpapers lists catalogued definitions matching req.
func (c *Client) Wallpapers(ctx context.Context, req host.ListRequest) ([]wallpaper.Definition, error) {
	var out []wallpaper.Definition
	err := c.call(ctx, host.EventWallpaperList, req, &out)
	return out, err
}

// Wallpaper fetches one definition by id.
func (c *Client) Wallpaper(ctx context.Context, id string) (wallpaper.Definition, error) {
	var out wallpaper.Definition
	err := c.call(ctx, host.EventWallpaperGet, host.WallpaperRequest{ID: id}, &out)
	return out, err
}

// Active returns the wallpaper selected for hwnd. Zero means the host's
// default window.
func (c *Client) Active(ctx context.Context, hwnd int64) (wallpaper.Definition, error) {
	var out wallpaper.Definition
	err := c.call(ctx, host.EventWallpaperActive, host.WallpaperRequest{HWND: hwnd}, &out)
	return out, err
}

// SetWallpaper selects id for hwnd and restarts its renderer.
func (c *Client) SetWallpaper(ctx context.Context, hwnd int64, id string) (wallpaper.Definition, error) {
	var out wallpaper.Definition
	err := c.call(ctx, host.EventWallpaperSet, host.WallpaperRequest{ID: id, HWND: hwnd}, &out)
	return out, err
}

// StartWorker starts the renderer for hwnd if it is not running.
func (c *Client) StartWorker(ctx context.Context, hwnd int64) (host.WorkerStatus, error) {
	var out host.WorkerStatus
	err := c.call(ctx, host.EventWorkerStart, host.WallpaperRequest{HWND: hwnd}, &out)
	return out, err
}

// StopWorker kills the renderer for hwnd.
func (c *Client) StopWorker(ctx context.Context, hwnd int64) (host.WorkerStatus, error) {
	var out host.WorkerStatus
	err := c.call(ctx, host.EventWorkerStop, host.WallpaperRequest{HWND: hwnd}, &out)
	return out, err
}

// WorkerStatus reports every supervised renderer, or only hwnd when non-zero.
func (c *Client) WorkerStatus(ctx context.Context, hwnd int64) ([]host.WorkerStatus, error) {
	var out []host.WorkerStatus
	err := c.call(ctx, host.EventWorkerStatus, host.WallpaperRequest{HWND: hwnd}, &out)
	return out, err
}

// Call invokes any service, including ones contributed by plugins.
func (c *Client) Call(ctx context.Context, event string, arg, out any) error {
	return c.call(ctx, event, arg, out)
}

func (c *Client) call(ctx context.Context, event string, arg, out any) error {
	err := c.ch.Call(ctx, event, arg, out)
	if err == nil {
		return nil
	}
	if apiErr := asAPIError(err); apiErr != nil {
		return apiErr
	}
	return err
}

// asAPIError extracts the remote failure from a channel error, or nil when
// the call failed locally.
func asAPIError(err error) *APIError {
	e, ok := xerrors.From(err)
	if !ok {
		return nil
	}
	meta := e.Metadata()
	code, ok := meta["remote_code"]
	if !ok {
		return nil
	}
	return &APIError{Event: meta["event"], Code: code, Message: e.Message()}
}

// Discovered delivers definitions as the host discovers or updates them.
func (c *Client) Discovered(ch chan<- wallpaper.Definition) gethevent.Subscription {
	return subscribe(c.ch.Listen(host.StreamDiscovered, nil), ch)
}

// Removed delivers definitions whose files disappeared.
func (c *Client) Removed(ch chan<- wallpaper.Definition) gethevent.Subscription {
	return subscribe(c.ch.Listen(host.StreamRemoved, nil), ch)
}

// WorkerStates delivers renderer lifecycle transitions.
func (c *Client) WorkerStates(ch chan<- host.WorkerState) gethevent.Subscription {
	return subscribe(c.ch.Listen(host.StreamWorkerState, nil), ch)
}

// subscribe decodes raw frames of l into ch. A frame that does not decode
// ends the subscription with that error.
func subscribe[T any](l *channel.Listener, ch chan<- T) gethevent.Subscription {
	return gethevent.NewSubscription(func(quit <-chan struct{}) error {
		frames := make(chan json.RawMessage, 16)
		sub := l.Subscribe(frames)
		defer sub.Unsubscribe()
		for {
			select {
			case <-quit:
				return nil
			case err := <-sub.Err():
				return err
			case frame := <-frames:
				var v T
				if err := json.Unmarshal(frame, &v); err != nil {
					return xerrors.Wrap(xerrors.CodeRemoteCallFailed, err, "decode "+l.Event()+" frame")
				}
				select {
				case ch <- v:
				case <-quit:
					return nil
				}
			}
		}
	})
}
