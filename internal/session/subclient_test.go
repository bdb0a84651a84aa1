package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/perfstream/perfstream/internal/testutil"
	"github.com/perfstream/perfstream/internal/transport"
)

// notifierFunc adapts a func to the Notifier interface.
type notifierFunc func()

func (f notifierFunc) NotifyAccepted() { f() }

// connectedSubclient returns a subclient whose Process goroutine has
// accepted a peer connection and is blocked reading the event stream.
func connectedSubclient(t *testing.T, ctx context.Context) (*StreamSubclient, transport.Conn, chan error) {
	t.Helper()
	acc, err := transport.NewTCPAcceptor("127.0.0.1", 0, false)
	require.NoError(t, err)

	accepted := make(chan struct{})
	sc := NewStreamSubclient(acc, notifierFunc(func() { close(accepted) }),
		"prog", 1024, 2*time.Second, testutil.NewTestLogger(t))

	done := make(chan error, 1)
	go func() { done <- sc.Process(ctx) }()

	peer, err := transport.Dial(transport.TypeTCP, acc.ConnectionInstructions(), 1024)
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close() })

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("subclient never accepted the peer")
	}
	return sc, peer, done
}

func TestStreamSubclientCloseUnblocksRead(t *testing.T) {
	ctx, cancel := testutil.NewTestContext()
	defer cancel()
	sc, _, done := connectedSubclient(t, ctx)

	require.NoError(t, sc.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, transport.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Process still blocked after Close")
	}
}

func TestStreamSubclientCancelUnblocksRead(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sc, _, done := connectedSubclient(t, ctx)
	defer func() { _ = sc.Close() }()

	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Process still blocked after cancellation")
	}
}

func TestStreamSubclientStopEndsStream(t *testing.T) {
	sc, peer, done := connectedSubclient(t, context.Background())
	defer func() { _ = sc.Close() }()

	require.NoError(t, peer.WriteMessage(`{"sample_1_2":{"sampled_time":3}}`, true))
	require.NoError(t, peer.WriteMessage("<STOP>", true))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not finish after <STOP>")
	}
	require.JSONEq(t, `{"sample_1_2":{"sampled_time":3}}`, string(sc.Result()))
}
