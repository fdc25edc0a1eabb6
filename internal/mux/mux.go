// Package mux splits one duplex transport into named logical channels.
//
// Every write is a CBOR frame {name, data}. A single read loop decodes
// frames and routes each payload to the channel with the same name;
// frames for unknown or closed channels are dropped.
package mux

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// ErrClosed is returned by channel operations after the channel or the
// whole mux has been closed.
var ErrClosed = errors.New("mux: closed")

const defaultBuffer = 64

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("mux: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("mux: CBOR decoder initialization failed: " + err.Error())
	}
}

type frame struct {
	Name string `cbor:"name"`
	Data []byte `cbor:"data"`
}

// Option configures a Mux.
type Option func(*Mux)

// WithLogger sets the logger used for dropped frames and read errors.
func WithLogger(l *slog.Logger) Option {
	return func(m *Mux) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithBuffer sets how many undelivered payloads each channel queues
// before the read loop blocks.
func WithBuffer(n int) Option {
	return func(m *Mux) {
		if n > 0 {
			m.buffer = n
		}
	}
}

// Mux owns a transport and the channels multiplexed over it.
type Mux struct {
	rwc    io.ReadWriteCloser
	logger *slog.Logger
	buffer int

	writeMu sync.Mutex
	enc     *cbor.Encoder

	mu       sync.Mutex
	channels map[string]*Channel

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// New wraps rwc and opens the named channels. Channels must be known up
// front: the read loop starts immediately and drops frames for names it
// does not know.
func New(rwc io.ReadWriteCloser, names []string, opts ...Option) *Mux {
	m := &Mux{
		rwc:      rwc,
		logger:   slog.Default(),
		buffer:   defaultBuffer,
		enc:      encMode.NewEncoder(rwc),
		channels: make(map[string]*Channel, len(names)),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, name := range names {
		m.channels[name] = &Channel{
			name:    name,
			mux:     m,
			inbound: make(chan []byte, m.buffer),
			done:    make(chan struct{}),
		}
	}
	go m.readLoop()
	return m
}

// Channel returns the named channel, or nil if it was not opened by New.
func (m *Mux) Channel(name string) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[name]
}

// Done is closed once the transport is gone, either because Close was
// called or because the read loop hit an error.
func (m *Mux) Done() <-chan struct{} {
	return m.done
}

// Err returns the error that ended the read loop. It is nil before Done
// is closed and io.EOF for a clean remote close.
func (m *Mux) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Close shuts the transport down. It is safe to call more than once.
func (m *Mux) Close() error {
	var err error
	m.shutdown(ErrClosed, func() { err = m.rwc.Close() })
	return err
}

func (m *Mux) shutdown(cause error, closeTransport func()) {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.err = cause
		m.mu.Unlock()
		close(m.done)
		if closeTransport != nil {
			closeTransport()
		}
	})
}

func (m *Mux) readLoop() {
	dec := decMode.NewDecoder(m.rwc)
	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			select {
			case <-m.done:
			default:
				m.logger.Debug("mux: read loop ended", "error", err)
			}
			m.shutdown(err, func() { _ = m.rwc.Close() })
			return
		}

		ch := m.Channel(f.Name)
		if ch == nil {
			m.logger.Warn("mux: dropping frame for unknown channel", "channel", f.Name)
			continue
		}
		select {
		case ch.inbound <- f.Data:
		case <-ch.done:
		case <-m.done:
			return
		}
	}
}

func (m *Mux) write(name string, data []byte) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := m.enc.Encode(frame{Name: name, Data: data}); err != nil {
		return fmt.Errorf("mux: writing to %s: %w", name, err)
	}
	return nil
}

func (m *Mux) remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}
