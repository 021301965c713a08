package stcp

import (
	"context"
	"sync"
	"testing"
	"time"

	dtn "github.com/dtngo/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutductToInductRoundTrip(t *testing.T) {
	in, err := NewInduct("127.0.0.1:0", nil)
	require.NoError(t, err)
	t.Cleanup(func() { in.Close() })

	var mu sync.Mutex
	var received [][]byte
	require.NoError(t, in.Start(context.Background(), func(b []byte) {
		mu.Lock()
		received = append(received, b)
		mu.Unlock()
	}))

	out, err := NewOutduct(in.Addr().String(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { out.Close() })

	acked := make(chan dtn.UserData, 3)
	out.OnAck(func(user dtn.UserData) { acked <- user })

	payloads := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}
	for i, p := range payloads {
		res, err := out.Forward(context.Background(), p, i)
		require.NoError(t, err)
		assert.Equal(t, dtn.SendOK, res)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 3
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, payloads, received)
	mu.Unlock()

	for range payloads {
		select {
		case <-acked:
		case <-time.After(time.Second):
			t.Fatal("missing write ack")
		}
	}
}

func TestInductIgnoresKeepalives(t *testing.T) {
	in, err := NewInduct("127.0.0.1:0", nil)
	require.NoError(t, err)
	t.Cleanup(func() { in.Close() })

	got := make(chan []byte, 1)
	require.NoError(t, in.Start(context.Background(), func(b []byte) { got <- b }))

	out, err := NewOutduct(in.Addr().String(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { out.Close() })

	// A zero-length record is a keepalive, then real data follows.
	_, err = out.Forward(context.Background(), nil, nil)
	require.NoError(t, err)
	_, err = out.Forward(context.Background(), []byte("real"), nil)
	require.NoError(t, err)

	select {
	case b := <-got:
		assert.Equal(t, []byte("real"), b)
	case <-time.After(5 * time.Second):
		t.Fatal("bundle never delivered")
	}
}
