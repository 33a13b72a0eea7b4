package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	xerrors "wallhost/internal/errors"
	"wallhost/pkg/event"
	"wallhost/pkg/logger"
)

// Handler serves one call. The returned value is JSON encoded into the reply.
type Handler func(ctx context.Context, arg json.RawMessage) (any, error)

// Source produces a stream for one listen request. emit may be called from
// any goroutine until the returned Disposable is disposed.
type Source interface {
	Subscribe(arg json.RawMessage, emit func(any)) (event.Disposable, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(arg json.RawMessage, emit func(any)) (event.Disposable, error)

// Subscribe implements Source.
func (f SourceFunc) Subscribe(arg json.RawMessage, emit func(any)) (event.Disposable, error) {
	return f(arg, emit)
}

// FromEmitter exposes an emitter as a stream. The listen argument is ignored.
func FromEmitter[T any](e *event.Emitter[T]) Source {
	return SourceFunc(func(_ json.RawMessage, emit func(any)) (event.Disposable, error) {
		return e.Subscribe(func(v T) { emit(v) }), nil
	})
}

// Server is the serving side of the bus: a registry from event name to a
// call handler or a stream source. Registering a name again replaces the
// earlier association.
type Server struct {
	mu      sync.RWMutex
	calls   map[string]Handler
	streams map[string]Source
	observe CallObserver
	queue   int
	log     *slog.Logger
}

// DefaultStreamQueue is how many unwritten frames one listen subscription may
// hold before the stream is ended with STREAM_OVERFLOW.
const DefaultStreamQueue = 256

// SetStreamQueue bounds the frames buffered per listen subscription for peers
// served after the call. n <= 0 restores DefaultStreamQueue.
func (s *Server) SetStreamQueue(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = n
}

func (s *Server) streamQueue() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.queue <= 0 {
		return DefaultStreamQueue
	}
	return s.queue
}

// CallObserver is told about every finished call. err is nil on success.
type CallObserver func(event string, err error, elapsed time.Duration)

// Observe installs fn as the call observer, replacing any earlier one.
func (s *Server) Observe(fn CallObserver) {
	s.mu.Lock()
	s.observe = fn
	s.mu.Unlock()
}

// NewServer creates an empty registry.
func NewServer() *Server {
	return &Server{
		calls:   make(map[string]Handler),
		streams: make(map[string]Source),
		log:     logger.Named("channel"),
	}
}

// Handle registers a call handler for name.
func (s *Server) Handle(name string, h Handler) {
	if name == "" || h == nil {
		return
	}
	s.mu.Lock()
	_, replaced := s.calls[name]
	s.calls[name] = h
	s.mu.Unlock()
	s.registered("call", name, replaced)
}

// HandleStream registers a stream source for name.
func (s *Server) HandleStream(name string, src Source) {
	if name == "" || src == nil {
		return
	}
	s.mu.Lock()
	_, replaced := s.streams[name]
	s.streams[name] = src
	s.mu.Unlock()
	s.registered("stream", name, replaced)
}

func (s *Server) registered(kind, name string, replaced bool) {
	if !replaced {
		s.log.Debug("service registered", slog.String("kind", kind), slog.String("event", name))
		return
	}
	s.log.Warn("service replaced", slog.String("kind", kind), slog.String("event", name))
	logger.Audit().Info("service_replaced", slog.String("kind", kind), slog.String("event", name))
}

// Unhandle removes every association for name.
func (s *Server) Unhandle(name string) {
	s.mu.Lock()
	delete(s.calls, name)
	delete(s.streams, name)
	s.mu.Unlock()
}

// Has reports whether name is served as a call or a stream.
func (s *Server) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, call := s.calls[name]
	_, stream := s.streams[name]
	return call || stream
}

// Names returns the registered call and stream names, sorted.
func (s *Server) Names() (calls, streams []string) {
	s.mu.RLock()
	for name := range s.calls {
		calls = append(calls, name)
	}
	for name := range s.streams {
		streams = append(streams, name)
	}
	s.mu.RUnlock()
	sort.Strings(calls)
	sort.Strings(streams)
	return calls, streams
}

func (s *Server) handler(name string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.calls[name]
	return h, ok
}

func (s *Server) source(name string) (Source, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.streams[name]
	return src, ok
}

// Serve answers one peer until the transport ends or ctx is cancelled. Every
// subscription the peer opened is disposed before Serve returns.
func (s *Server) Serve(ctx context.Context, t Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	p := &peer{
		server: s,
		t:      t,
		ctx:    ctx,
		subs:   make(map[string]*subscription),
		queue:  s.streamQueue(),
	}
	defer func() {
		cancel()
		p.disposeAll()
		p.wg.Wait()
	}()

	for {
		msg, err := t.Receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch msg.Kind {
		case KindCall:
			p.wg.Add(1)
			go p.call(msg)
		case KindListen:
			p.listen(msg)
		case KindDispose:
			p.dispose(msg.ID)
		default:
			s.log.Debug("ignoring frame", slog.String("kind", string(msg.Kind)), slog.String("id", msg.ID))
		}
	}
}

// ServeListener accepts stream peers on ln until ctx is cancelled.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept channel peer: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := NewStreamTransport(conn)
			defer t.Close()
			if err := s.Serve(ctx, t); err != nil {
				s.log.Warn("peer ended with error", slog.String("remote", conn.RemoteAddr().String()), slog.Any("error", err))
			}
		}()
	}
}

type peer struct {
	server *Server
	t      Transport
	ctx    context.Context
	wg     sync.WaitGroup
	queue  int

	mu   sync.Mutex
	subs map[string]*subscription
	gone bool
}

// subscription is one open listen request. src is nil while the source is
// still subscribing.
type subscription struct {
	src event.Disposable
	out *outbox
}

func (s *subscription) release() {
	s.out.close(nil)
	if s.src != nil {
		s.src.Dispose()
	}
}

func (p *peer) send(msg Message) {
	if err := p.t.Send(p.ctx, msg); err != nil && p.ctx.Err() == nil {
		p.server.log.Warn("send frame failed",
			slog.String("kind", string(msg.Kind)),
			slog.String("id", msg.ID),
			slog.Any("error", err))
	}
}

func (p *peer) call(msg Message) {
	defer p.wg.Done()
	reply := Message{Kind: KindReply, ID: msg.ID}
	start := time.Now()

	result, err := p.invoke(msg)
	if err == nil {
		reply.Payload, err = marshalPayload(result)
	}
	if err != nil {
		reply.Payload = nil
		reply.Error = remoteError(err)
		p.server.log.Debug("call failed", slog.String("event", msg.Event), slog.Any("error", err))
	}
	p.server.mu.RLock()
	observe := p.server.observe
	p.server.mu.RUnlock()
	if observe != nil {
		observe(msg.Event, err, time.Since(start))
	}
	p.send(reply)
}

func (p *peer) invoke(msg Message) (result any, err error) {
	h, ok := p.server.handler(msg.Event)
	if !ok {
		return nil, xerrors.New(xerrors.CodeRemoteCallFailed, "no handler registered for "+msg.Event,
			xerrors.WithMetadata("event", msg.Event))
	}
	defer func() {
		if r := recover(); r != nil {
			p.server.log.Error("handler panicked", slog.String("event", msg.Event), slog.String("panic", fmt.Sprint(r)))
			err = xerrors.New(xerrors.CodeRemoteCallFailed, fmt.Sprintf("handler for %s panicked", msg.Event))
		}
	}()
	return h(p.ctx, msg.Payload)
}

func (p *peer) listen(msg Message) {
	src, ok := p.server.source(msg.Event)
	if !ok {
		p.send(Message{Kind: KindEnd, ID: msg.ID, Error: &RemoteError{
			Code:    string(xerrors.CodeNotFound),
			Message: "no stream registered for " + msg.Event,
		}})
		return
	}

	id := msg.ID
	sub := &subscription{out: newOutbox(p, p.queue)}
	p.mu.Lock()
	if _, dup := p.subs[id]; dup || p.gone {
		p.mu.Unlock()
		sub.out.close(nil)
		return
	}
	// Reserve the id so a dispose racing with Subscribe is honoured.
	p.subs[id] = sub
	p.mu.Unlock()

	disposable, err := src.Subscribe(msg.Payload, func(v any) {
		payload, err := marshalPayload(v)
		if err != nil {
			p.server.log.Warn("dropping stream value", slog.String("event", msg.Event), slog.Any("error", err))
			return
		}
		if !sub.out.push(Message{Kind: KindEmit, ID: id, Payload: payload}) {
			p.overflow(id, msg.Event, sub)
		}
	})
	if err != nil {
		p.mu.Lock()
		if p.subs[id] == sub {
			delete(p.subs, id)
		}
		p.mu.Unlock()
		sub.out.close(&Message{Kind: KindEnd, ID: id, Error: remoteError(err)})
		return
	}

	p.mu.Lock()
	if p.subs[id] == sub && !p.gone {
		sub.src = disposable
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	disposable.Dispose()
}

// overflow ends a subscription whose peer stopped reading. The source is
// released off the emitting goroutine and the peer gets an end frame once
// the queued frames are written.
func (p *peer) overflow(id, name string, sub *subscription) {
	p.mu.Lock()
	if p.subs[id] != sub {
		p.mu.Unlock()
		return
	}
	delete(p.subs, id)
	src := sub.src
	p.mu.Unlock()

	p.server.log.Warn("stream consumer fell behind, ending stream",
		slog.String("event", name), slog.String("id", id), slog.Int("queue", p.queue))
	sub.out.close(&Message{Kind: KindEnd, ID: id, Error: remoteError(
		xerrors.New(xerrors.CodeOverflow, "stream "+name+" dropped after "+fmt.Sprint(p.queue)+" unread frames"))})
	if src != nil {
		go src.Dispose()
	}
}

func (p *peer) dispose(id string) {
	p.mu.Lock()
	sub, ok := p.subs[id]
	delete(p.subs, id)
	p.mu.Unlock()
	if ok {
		sub.release()
	}
}

func (p *peer) disposeAll() {
	p.mu.Lock()
	subs := p.subs
	p.subs = map[string]*subscription{}
	p.gone = true
	p.mu.Unlock()
	for _, sub := range subs {
		sub.release()
	}
}

// outbox queues the frames of one subscription and writes them from its own
// goroutine, so a peer that stops reading never blocks the emitting source.
type outbox struct {
	peer   *peer
	size   int
	frames chan Message

	mu     sync.Mutex
	closed bool
}

func newOutbox(p *peer, size int) *outbox {
	// One slot beyond size is kept for the end frame.
	o := &outbox{peer: p, size: size, frames: make(chan Message, size+1)}
	go o.run()
	return o
}

func (o *outbox) run() {
	for msg := range o.frames {
		o.peer.send(msg)
	}
}

// push queues msg and reports false when size frames are already waiting.
func (o *outbox) push(msg Message) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return true
	}
	if len(o.frames) >= o.size {
		return false
	}
	o.frames <- msg
	return true
}

// close stops the queue after end, when given, is written.
func (o *outbox) close(end *Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	if end != nil {
		o.frames <- *end
	}
	close(o.frames)
}
