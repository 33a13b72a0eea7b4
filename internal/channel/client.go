package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	gethevent "github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"

	xerrors "wallhost/internal/errors"
	"wallhost/pkg/logger"
)

// ErrClientClosed is returned by calls issued after the client shut down.
var ErrClientClosed = errors.New("channel client closed")

// Client is the calling side of the bus.
type Client struct {
	t   Transport
	log *slog.Logger

	mu      sync.Mutex
	pending map[string]chan Message
	streams map[string]*stream
	closed  bool

	scope   gethevent.SubscriptionScope
	done    chan struct{}
	closing sync.Once
}

type stream struct {
	event  string
	frames chan Message
	quit   chan struct{}

	// lost is closed when the reader had to drop a frame because the
	// subscriber fell behind.
	lost     chan struct{}
	lostOnce sync.Once
}

// streamBuffer is how many frames a subscription may have pending before the
// client gives up on it.
const streamBuffer = 64

// NewClient starts reading replies and stream frames from t.
func NewClient(t Transport) *Client {
	c := &Client{
		t:       t,
		log:     logger.Named("channel.client"),
		pending: make(map[string]chan Message),
		streams: make(map[string]*stream),
		done:    make(chan struct{}),
	}
	go c.read()
	return c
}

func (c *Client) read() {
	defer c.shutdown()
	for {
		msg, err := c.t.Receive(context.Background())
		if err != nil {
			c.log.Debug("transport ended", slog.Any("error", err))
			return
		}
		switch msg.Kind {
		case KindReply:
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		case KindEmit, KindEnd:
			c.mu.Lock()
			s, ok := c.streams[msg.ID]
			if ok && msg.Kind == KindEnd {
				delete(c.streams, msg.ID)
			}
			c.mu.Unlock()
			if !ok {
				continue
			}
			select {
			case s.frames <- msg:
			case <-s.quit:
			default:
				c.drop(msg.ID, s)
			}
		default:
			c.log.Debug("ignoring frame", slog.String("kind", string(msg.Kind)), slog.String("id", msg.ID))
		}
	}
}

// drop ends a stream whose subscriber stopped draining it. The reader never
// waits on a subscriber, so replies to unrelated calls keep flowing.
func (c *Client) drop(id string, s *stream) {
	c.forget(id)
	s.lostOnce.Do(func() {
		close(s.lost)
		c.log.Warn("stream subscriber fell behind, ending stream", slog.String("event", s.event), slog.String("id", id))
		go func() {
			if err := c.t.Send(context.Background(), Message{Kind: KindDispose, ID: id}); err != nil {
				c.log.Debug("dispose not delivered", slog.String("event", s.event), slog.Any("error", err))
			}
		}()
	})
}

func (c *Client) shutdown() {
	c.closing.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.pending = map[string]chan Message{}
		c.mu.Unlock()
		close(c.done)
	})
}

// Call invokes event with arg and decodes the reply payload into out, which
// may be nil. Every failure matches ErrRemoteCallFailed.
func (c *Client) Call(ctx context.Context, event string, arg, out any) error {
	payload, err := marshalPayload(arg)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeRemoteCallFailed, err, "encode argument for "+event)
	}
	id := uuid.NewString()
	replies := make(chan Message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return xerrors.Wrap(xerrors.CodeRemoteCallFailed, ErrClientClosed, "call "+event)
	}
	c.pending[id] = replies
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.t.Send(ctx, Message{Kind: KindCall, Event: event, ID: id, Payload: payload}); err != nil {
		return xerrors.Wrap(xerrors.CodeRemoteCallFailed, err, "send call "+event)
	}

	select {
	case reply := <-replies:
		if reply.Error != nil {
			return xerrors.New(xerrors.CodeRemoteCallFailed, reply.Error.Message,
				xerrors.WithMetadata("event", event),
				xerrors.WithMetadata("remote_code", reply.Error.Code))
		}
		if out != nil && len(reply.Payload) > 0 {
			if err := json.Unmarshal(reply.Payload, out); err != nil {
				return xerrors.Wrap(xerrors.CodeRemoteCallFailed, err, "decode reply for "+event)
			}
		}
		return nil
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.CodeRemoteCallFailed, ctx.Err(), "call "+event)
	case <-c.done:
		return xerrors.Wrap(xerrors.CodeRemoteCallFailed, ErrClientClosed, "call "+event)
	}
}

// Listen describes a remote stream. Nothing is sent until Subscribe.
func (c *Client) Listen(event string, arg any) *Listener {
	return &Listener{client: c, event: event, arg: arg}
}

// Done is closed once the transport ended or Close was called.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close ends every open subscription and closes the transport.
func (c *Client) Close() error {
	c.scope.Close()
	err := c.t.Close()
	c.shutdown()
	return err
}

// Listener is a lazily opened remote stream.
type Listener struct {
	client *Client
	event  string
	arg    any
}

// Event returns the remote stream name.
func (l *Listener) Event() string {
	return l.event
}

// Subscribe opens the remote stream and forwards every value into ch.
// Unsubscribe tells the serving side to release it. The subscription ends
// without error when the server ends the stream or the transport goes away;
// a stream the server refuses ends with an error matching ErrRemoteCallFailed.
// A subscriber that leaves more than streamBuffer frames unread loses the
// stream: it ends with a STREAM_OVERFLOW cause and the server is told to
// release it.
func (l *Listener) Subscribe(ch chan<- json.RawMessage) gethevent.Subscription {
	c := l.client
	payload, err := marshalPayload(l.arg)
	if err != nil {
		return failed(xerrors.Wrap(xerrors.CodeRemoteCallFailed, err, "encode argument for "+l.event))
	}

	id := uuid.NewString()
	s := &stream{
		event:  l.event,
		frames: make(chan Message, streamBuffer),
		quit:   make(chan struct{}),
		lost:   make(chan struct{}),
	}
	overflow := func() error {
		return xerrors.Wrap(xerrors.CodeRemoteCallFailed,
			xerrors.New(xerrors.CodeOverflow, fmt.Sprintf("more than %d frames pending", streamBuffer)),
			"listen "+l.event, xerrors.WithMetadata("event", l.event))
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return failed(xerrors.Wrap(xerrors.CodeRemoteCallFailed, ErrClientClosed, "listen "+l.event))
	}
	c.streams[id] = s
	c.mu.Unlock()

	if err := c.t.Send(context.Background(), Message{Kind: KindListen, Event: l.event, ID: id, Payload: payload}); err != nil {
		c.forget(id)
		return failed(xerrors.Wrap(xerrors.CodeRemoteCallFailed, err, "send listen "+l.event))
	}

	sub := gethevent.NewSubscription(func(quit <-chan struct{}) error {
		defer close(s.quit)
		for {
			select {
			case <-quit:
				c.forget(id)
				if err := c.t.Send(context.Background(), Message{Kind: KindDispose, ID: id}); err != nil {
					c.log.Debug("dispose not delivered", slog.String("event", l.event), slog.Any("error", err))
				}
				return nil
			case <-c.done:
				return nil
			case <-s.lost:
				return overflow()
			case msg := <-s.frames:
				if msg.Kind == KindEnd {
					if msg.Error != nil {
						return xerrors.New(xerrors.CodeRemoteCallFailed, msg.Error.Message,
							xerrors.WithMetadata("event", l.event),
							xerrors.WithMetadata("remote_code", msg.Error.Code))
					}
					return nil
				}
				select {
				case ch <- msg.Payload:
				case <-quit:
					c.forget(id)
					_ = c.t.Send(context.Background(), Message{Kind: KindDispose, ID: id})
					return nil
				case <-c.done:
					return nil
				case <-s.lost:
					return overflow()
				}
			}
		}
	})
	return c.scope.Track(sub)
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

func failed(err error) gethevent.Subscription {
	return gethevent.NewSubscription(func(<-chan struct{}) error { return err })
}
