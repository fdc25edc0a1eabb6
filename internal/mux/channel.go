package mux

import (
	"context"
	"sync"
)

// Channel is one named stream inside a Mux. Payloads are whole messages:
// each Write is delivered as exactly one Read on the other side.
type Channel struct {
	name    string
	mux     *Mux
	inbound chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return c.name
}

// Read returns the next payload. Payloads already queued are delivered
// even after the transport has gone away.
func (c *Channel) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	default:
	}

	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.done:
		return nil, ErrClosed
	case <-c.mux.done:
		select {
		case data := <-c.inbound:
			return data, nil
		default:
		}
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write sends one payload.
func (c *Channel) Write(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.mux.write(c.name, data)
}

// Done is closed by Close. Use Mux.Done to watch the transport.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Close detaches the channel from its mux. Later frames for this name
// are dropped. The transport stays open for other channels.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mux.remove(c.name)
	})
	return nil
}

func (c *Channel) closedErr() error {
	if err := c.mux.Err(); err != nil {
		return err
	}
	return ErrClosed
}
