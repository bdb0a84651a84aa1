package transport

import (
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// dialOwnAcceptor attaches to a pipe acceptor from within the same process.
// The descriptors are duplicated first so the dialed connection owns its
// own copies, the way an inheriting child process would.
func dialOwnAcceptor(t *testing.T, a *PipeAcceptor, bufSize int) *PipeConn {
	t.Helper()
	w, r := a.PeerFiles()
	wfd, err := unix.Dup(int(w.Fd()))
	require.NoError(t, err)
	rfd, err := unix.Dup(int(r.Fd()))
	require.NoError(t, err)
	conn, err := DialPipe(fmt.Sprintf("%d_%d", wfd, rfd), bufSize)
	require.NoError(t, err)
	return conn
}

func pipePair(t *testing.T, bufSize int) (server Conn, client *PipeConn) {
	t.Helper()
	acc, err := NewPipeAcceptor()
	require.NoError(t, err)
	t.Cleanup(func() { _ = acc.Close() })

	client = dialOwnAcceptor(t, acc, bufSize)
	t.Cleanup(func() { _ = client.Close() })

	server, err = acc.Accept(bufSize, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })
	return server, client
}

func TestPipeConnectionInstructionsFormat(t *testing.T) {
	acc, err := NewPipeAcceptor()
	require.NoError(t, err)
	defer func() { _ = acc.Close() }()

	assert.Regexp(t, regexp.MustCompile(`^\d+_\d+$`), acc.ConnectionInstructions())
	assert.Equal(t, TypePipe, acc.Type())
}

func TestPipeHandshake(t *testing.T) {
	server, client := pipePair(t, 64)

	require.NoError(t, client.WriteMessage("hello", true))
	msg, err := server.ReadMessage(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg)
}

func TestPipeHandshakeTimeout(t *testing.T) {
	acc, err := NewPipeAcceptor()
	require.NoError(t, err)
	defer func() { _ = acc.Close() }()

	_, err = acc.Accept(64, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestPipeBadHandshake(t *testing.T) {
	acc, err := NewPipeAcceptor()
	require.NoError(t, err)
	defer func() { _ = acc.Close() }()

	w, _ := acc.PeerFiles()
	_, err = w.Write([]byte("garbage")) // same length as the token
	require.NoError(t, err)

	_, err = acc.Accept(64, time.Second)
	var cerr *ConnectionError
	assert.ErrorAs(t, err, &cerr)
}

func TestPipeSecondAcceptFails(t *testing.T) {
	acc, err := NewPipeAcceptor()
	require.NoError(t, err)
	t.Cleanup(func() { _ = acc.Close() })

	client := dialOwnAcceptor(t, acc, 64)
	t.Cleanup(func() { _ = client.Close() })

	conn, err := acc.Accept(64, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_, err = acc.Accept(64, time.Second)
	var cerr *ConnectionError
	assert.ErrorAs(t, err, &cerr)
}

func TestPipeBidirectionalExchange(t *testing.T) {
	server, client := pipePair(t, 64)

	require.NoError(t, client.WriteMessage("<STOP>", true))
	require.NoError(t, server.WriteMessage("tstamp_ack", true))

	msg, err := server.ReadMessage(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "<STOP>", msg)

	msg, err = client.ReadMessage(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "tstamp_ack", msg)
}

func TestPipeRawBytes(t *testing.T) {
	server, client := pipePair(t, 8)

	require.NoError(t, client.WriteBytes([]byte("raw-payload")))
	require.NoError(t, client.Close())

	buf := make([]byte, 11)
	n, err := server.ReadBytes(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "raw-payload", string(buf[:n]))
}
