// Package transport abstracts the byte-oriented channels carrying the
// profiling session protocol. TCP sockets and anonymous pipe pairs are
// unified behind the Conn and Acceptor interfaces, with newline-delimited
// message framing layered on top of the raw stream.
package transport

import "time"

// Transport type tags. Peers use the tag to select a matching dial strategy
// for the connection instructions string that accompanies it.
const (
	TypeTCP  = "tcp"
	TypePipe = "pipe"
)

// Handshake token a peer must send before a pipe connection is handed out.
// Pipe creation is connectionless, so the acceptor needs proof that a peer
// process is actually attached before the session proceeds.
const PipeHandshake = "connect"

// Conn is an established, bidirectional channel between two processes.
// A Conn is exclusively owned by the task currently performing I/O on it;
// no two goroutines may read from the same Conn concurrently.
type Conn interface {
	// ReadMessage returns the next complete newline-delimited message,
	// stripped of the delimiter. Messages that arrived batched in one
	// physical read are queued and returned by subsequent calls without
	// touching the transport. A zero timeout blocks indefinitely.
	// When the peer closes the connection the buffered tail (possibly
	// empty) is returned as the final message; later calls fail with
	// ErrClosed.
	ReadMessage(timeout time.Duration) (string, error)

	// ReadBytes reads raw payload bytes into p, filling it completely
	// unless the peer closes first. It returns the number of bytes read,
	// 0 on peer-initiated close, and ErrTimeout if timeout elapses before
	// p is full. A zero timeout blocks indefinitely.
	ReadBytes(p []byte, timeout time.Duration) (int, error)

	// WriteMessage sends msg, optionally appending the newline delimiter.
	// A short write is an error, never silently retried.
	WriteMessage(msg string, appendNewline bool) error

	// WriteBytes sends p verbatim. A short write is an error.
	WriteBytes(p []byte) error

	// WriteFile streams the contents of the file at path.
	WriteFile(path string) error

	// Close releases the underlying transport handle. Idempotent.
	Close() error
}

// Acceptor owns a listening resource and produces Conn instances on demand.
type Acceptor interface {
	// Accept blocks until a peer connects, bounded by timeout (zero means
	// wait indefinitely). bufSize is the receive buffer capacity used for
	// message framing on the returned Conn.
	Accept(bufSize int, timeout time.Duration) (Conn, error)

	// ConnectionInstructions returns the opaque, transport-specific string
	// a remote process uses to dial in: "<host>_<port>" for TCP,
	// "<write-fd>_<read-fd>" for pipes.
	ConnectionInstructions() string

	// Type returns the transport type tag (TypeTCP or TypePipe).
	Type() string

	// Close stops accepting further connections.
	Close() error
}
