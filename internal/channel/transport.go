package channel

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"wallhost/pkg/logger"
)

// maxFrameSize bounds one newline-delimited frame on stream transports.
const maxFrameSize = 4 << 20

// Transport carries frames between exactly two peers, in order.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	// Receive blocks for the next frame. io.EOF means the peer went away.
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// StreamTransport frames messages as newline-delimited JSON over a byte
// stream such as a unix socket, a pipe or the stdio of a child process.
type StreamTransport struct {
	rwc    io.ReadWriteCloser
	sendMu sync.Mutex
	in     chan Message
	done   chan struct{}
	err    error
	close  sync.Once
	log    *slog.Logger
}

// NewStreamTransport starts reading frames from rwc.
func NewStreamTransport(rwc io.ReadWriteCloser) *StreamTransport {
	t := &StreamTransport{
		rwc:  rwc,
		in:   make(chan Message, 32),
		done: make(chan struct{}),
		log:  logger.Named("channel"),
	}
	go t.read()
	return t
}

// Pipe returns two connected in-memory transports.
func Pipe() (*StreamTransport, *StreamTransport) {
	a, b := net.Pipe()
	return NewStreamTransport(a), NewStreamTransport(b)
}

func (t *StreamTransport) read() {
	defer close(t.in)
	scanner := bufio.NewScanner(t.rwc)
	scanner.Buffer(make([]byte, 0, 64<<10), maxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := DecodeMessage(line)
		if err != nil {
			t.log.Warn("dropping malformed frame", slog.Any("error", err))
			continue
		}
		select {
		case t.in <- msg:
		case <-t.done:
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
		t.err = err
	}
}

// Send writes one frame.
func (t *StreamTransport) Send(ctx context.Context, msg Message) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	_, err = t.rwc.Write(append(data, '\n'))
	return err
}

// Receive returns the next frame, or io.EOF once the stream ended.
func (t *StreamTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-t.in:
		if !ok {
			if t.err != nil {
				return Message{}, t.err
			}
			return Message{}, io.EOF
		}
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close closes the underlying stream. Safe to call more than once.
func (t *StreamTransport) Close() error {
	var err error
	t.close.Do(func() {
		close(t.done)
		err = t.rwc.Close()
	})
	return err
}
