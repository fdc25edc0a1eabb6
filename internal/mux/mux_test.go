package mux

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

var names = []string{"command", "jsonRpc"}

func newPair(t *testing.T) (*Mux, *Mux) {
	t.Helper()
	a, b := net.Pipe()
	host := New(a, names)
	snap := New(b, names)
	t.Cleanup(func() {
		_ = host.Close()
		_ = snap.Close()
	})
	return host, snap
}

func readWithin(t *testing.T, ch *Channel) ([]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return ch.Read(ctx)
}

func TestMux_RoutesByName(t *testing.T) {
	t.Parallel()

	host, snap := newPair(t)

	if err := host.Channel("jsonRpc").Write([]byte("rpc-1")); err != nil {
		t.Fatalf("write jsonRpc: %v", err)
	}
	if err := host.Channel("command").Write([]byte("cmd-1")); err != nil {
		t.Fatalf("write command: %v", err)
	}

	got, err := readWithin(t, snap.Channel("command"))
	if err != nil || string(got) != "cmd-1" {
		t.Fatalf("command read = %q, %v", got, err)
	}
	got, err = readWithin(t, snap.Channel("jsonRpc"))
	if err != nil || string(got) != "rpc-1" {
		t.Fatalf("jsonRpc read = %q, %v", got, err)
	}
}

func TestMux_Bidirectional(t *testing.T) {
	t.Parallel()

	host, snap := newPair(t)

	go func() {
		data, err := snap.Channel("command").Read(context.Background())
		if err != nil {
			return
		}
		_ = snap.Channel("command").Write(append([]byte("echo:"), data...))
	}()

	if err := host.Channel("command").Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	got, err := readWithin(t, host.Channel("command"))
	if err != nil || string(got) != "echo:ping" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestMux_DropsUnknownChannel(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	sender := New(a, []string{"command", "stray"})
	receiver := New(b, []string{"command"})
	t.Cleanup(func() {
		_ = sender.Close()
		_ = receiver.Close()
	})

	if err := sender.Channel("stray").Write([]byte("lost")); err != nil {
		t.Fatal(err)
	}
	if err := sender.Channel("command").Write([]byte("kept")); err != nil {
		t.Fatal(err)
	}

	got, err := readWithin(t, receiver.Channel("command"))
	if err != nil || string(got) != "kept" {
		t.Fatalf("got %q, %v", got, err)
	}
	if receiver.Channel("stray") != nil {
		t.Fatal("unknown channel should not be created on demand")
	}
}

func TestChannel_CloseDetaches(t *testing.T) {
	t.Parallel()

	host, snap := newPair(t)
	rpcCh := snap.Channel("jsonRpc")
	_ = rpcCh.Close()

	if err := rpcCh.Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after close: %v", err)
	}
	if _, err := rpcCh.Read(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("read after close: %v", err)
	}

	// The transport keeps serving the other channel.
	_ = host.Channel("jsonRpc").Write([]byte("dropped"))
	_ = host.Channel("command").Write([]byte("still here"))
	got, err := readWithin(t, snap.Channel("command"))
	if err != nil || string(got) != "still here" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestMux_RemoteCloseEndsReads(t *testing.T) {
	t.Parallel()

	host, snap := newPair(t)
	_ = snap.Close()

	select {
	case <-host.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("host mux did not notice remote close")
	}

	_, err := readWithin(t, host.Channel("command"))
	if err == nil {
		t.Fatal("read after remote close should fail")
	}
	if host.Err() == nil {
		t.Fatal("Err() should report why the read loop ended")
	}
	if err := host.Channel("command").Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after remote close: %v", err)
	}
}

func TestMux_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	host, _ := newPair(t)
	if err := host.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := host.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !errors.Is(host.Err(), ErrClosed) {
		t.Fatalf("Err() = %v, want ErrClosed", host.Err())
	}
}

func TestChannel_ReadHonoursContext(t *testing.T) {
	t.Parallel()

	host, _ := newPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := host.Channel("command").Read(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
