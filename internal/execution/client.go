package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flemzord/snaphost/internal/mux"
	"github.com/flemzord/snaphost/internal/rpc"
)

// commandClient correlates JSON-RPC requests and responses on the command
// channel of one job. Notifications are handed to onNotify in arrival order
// on the read goroutine.
type commandClient struct {
	ch       *mux.Channel
	logger   *slog.Logger
	onNotify func(*rpc.Message)

	mu      sync.Mutex
	pending map[string]chan *rpc.Message
	err     error
	done    chan struct{}
}

func newCommandClient(ch *mux.Channel, logger *slog.Logger, onNotify func(*rpc.Message)) *commandClient {
	return &commandClient{
		ch:       ch,
		logger:   logger,
		onNotify: onNotify,
		pending:  make(map[string]chan *rpc.Message),
		done:     make(chan struct{}),
	}
}

// run reads the channel until it fails. It must run in its own goroutine.
func (c *commandClient) run() {
	for {
		data, err := c.ch.Read(context.Background())
		if err != nil {
			c.fail(err)
			return
		}
		msg, err := rpc.Decode(data)
		if err != nil {
			c.logger.Warn("execution: invalid command message", "error", err)
			continue
		}
		switch {
		case msg.IsResponse():
			c.deliver(msg)
		case msg.IsNotification():
			if c.onNotify != nil {
				c.onNotify(msg)
			}
		default:
			c.logger.Warn("execution: unexpected command message", "method", msg.Method)
		}
	}
}

func (c *commandClient) deliver(msg *rpc.Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.IDKey()]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("execution: response for unknown request", "id", msg.IDKey())
		return
	}
	// Buffered by one; a duplicate response is dropped.
	select {
	case ch <- msg:
	default:
	}
}

func (c *commandClient) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	close(c.done)
}

// Done is closed once the client can no longer receive responses.
func (c *commandClient) Done() <-chan struct{} {
	return c.done
}

// Err returns the read error that stopped the client, if any.
func (c *commandClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Request sends method with params and waits for the correlated response.
// A snap error comes back as *rpc.Error.
func (c *commandClient) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	msg, err := rpc.NewRequest(method, params)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("execution: marshal %s: %w", method, err)
	}

	key := msg.IDKey()
	respCh := make(chan *rpc.Message, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrJobClosed, c.err)
	}
	c.pending[key] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	if err := c.ch.Write(data); err != nil {
		return nil, fmt.Errorf("%w: write %s: %w", ErrJobClosed, method, err)
	}

	select {
	case resp := <-respCh:
		return result(resp)
	case <-c.done:
		select {
		case resp := <-respCh:
			return result(resp)
		default:
		}
		return nil, fmt.Errorf("%w: %w", ErrJobClosed, c.Err())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func result(resp *rpc.Message) (json.RawMessage, error) {
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}
