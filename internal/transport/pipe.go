package transport

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// PipeAcceptor owns two unidirectional OS pipes forming one bidirectional
// same-host channel. Unlike a socket there are no listen/accept semantics,
// so the peer must send the PipeHandshake token before a usable connection
// is handed out. One acceptor carries exactly one connection.
type PipeAcceptor struct {
	in  *os.File // our read end, peer writes here
	out *os.File // our write end, peer reads here

	peerWrite *os.File
	peerRead  *os.File

	accepted  bool
	closeOnce sync.Once
	closeErr  error
}

// NewPipeAcceptor creates the pipe pair. The peer-side descriptors have
// FD_CLOEXEC cleared so a spawned profiler process can inherit them under
// the numbers reported by ConnectionInstructions.
func NewPipeAcceptor() (*PipeAcceptor, error) {
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, connErr("pipe", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = inR.Close()
		_ = inW.Close()
		return nil, connErr("pipe", err)
	}
	// Fd also switches the peer-side files to blocking mode; that is fine
	// since this process never reads them. The acceptor-side files must
	// stay off Fd so read deadlines keep working.
	if _, err := unix.FcntlInt(inW.Fd(), unix.F_SETFD, 0); err != nil {
		return nil, connErr("pipe", err)
	}
	if _, err := unix.FcntlInt(outR.Fd(), unix.F_SETFD, 0); err != nil {
		return nil, connErr("pipe", err)
	}
	return &PipeAcceptor{in: inR, out: outW, peerWrite: inW, peerRead: outR}, nil
}

// Accept waits for the peer's handshake token and hands out the connection.
// Any other content fails with a ConnectionError; an incomplete handshake
// within timeout fails with ErrTimeout.
func (a *PipeAcceptor) Accept(bufSize int, timeout time.Duration) (Conn, error) {
	if a.accepted {
		return nil, connErr("accept", fmt.Errorf("pipe connection already handed out"))
	}
	tok := make([]byte, len(PipeHandshake))
	n, err := readFull(a.in, tok, timeout)
	if err != nil {
		return nil, err
	}
	if n < len(tok) {
		return nil, connErr("handshake", io.ErrUnexpectedEOF)
	}
	if string(tok) != PipeHandshake {
		return nil, connErr("handshake", fmt.Errorf("unexpected token %q", tok))
	}
	a.accepted = true
	return &PipeConn{r: a.in, w: a.out, fr: newFramer(bufSize)}, nil
}

// ConnectionInstructions returns "<write-fd>_<read-fd>": the descriptor the
// peer writes to followed by the one it reads from.
func (a *PipeAcceptor) ConnectionInstructions() string {
	return fmt.Sprintf("%d_%d", a.peerWrite.Fd(), a.peerRead.Fd())
}

// Type returns TypePipe.
func (a *PipeAcceptor) Type() string { return TypePipe }

// PeerFiles returns the peer-side write and read files, for launchers that
// pass them to a child process via ExtraFiles and rewrite the instructions
// with the child-side descriptor numbers.
func (a *PipeAcceptor) PeerFiles() (write, read *os.File) {
	return a.peerWrite, a.peerRead
}

// Close releases the peer-side descriptors and, when no connection was
// handed out, the acceptor-side ones too.
func (a *PipeAcceptor) Close() error {
	a.closeOnce.Do(func() {
		_ = a.peerWrite.Close()
		_ = a.peerRead.Close()
		if !a.accepted {
			_ = a.in.Close()
			a.closeErr = a.out.Close()
		}
	})
	return a.closeErr
}

// PipeConn is a framed connection over a pipe pair.
type PipeConn struct {
	r  *os.File
	w  *os.File
	fr *framer

	closeOnce sync.Once
	closeErr  error
}

// DialPipe attaches to the descriptors named by a pipe acceptor's
// connection instructions and performs the handshake. The descriptors are
// owned by the returned connection and released on Close.
func DialPipe(instructions string, bufSize int) (*PipeConn, error) {
	var wfd, rfd int
	if _, err := fmt.Sscanf(instructions, "%d_%d", &wfd, &rfd); err != nil {
		return nil, connErr("dial", fmt.Errorf("bad pipe instructions %q: %w", instructions, err))
	}
	c := &PipeConn{
		w:  os.NewFile(uintptr(wfd), "pipe-write"),
		r:  os.NewFile(uintptr(rfd), "pipe-read"),
		fr: newFramer(bufSize),
	}
	if err := c.WriteBytes([]byte(PipeHandshake)); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// ReadMessage returns the next newline-delimited message.
func (c *PipeConn) ReadMessage(timeout time.Duration) (string, error) {
	return c.fr.readMessage(func(p []byte) (int, error) {
		return rawRead(c.r, p, timeout)
	})
}

// ReadBytes fills p with raw bytes, stopping early only on peer close.
func (c *PipeConn) ReadBytes(p []byte, timeout time.Duration) (int, error) {
	return readFull(c.r, p, timeout)
}

// WriteMessage sends msg, appending the newline delimiter when requested.
func (c *PipeConn) WriteMessage(msg string, appendNewline bool) error {
	if appendNewline {
		msg += "\n"
	}
	return writeAll(c.w, []byte(msg))
}

// WriteBytes sends p verbatim.
func (c *PipeConn) WriteBytes(p []byte) error {
	return writeAll(c.w, p)
}

// WriteFile streams the contents of the file at path.
func (c *PipeConn) WriteFile(path string) error {
	return writeFile(c.w, path)
}

// Close releases both pipe ends. Idempotent.
func (c *PipeConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.r.Close()
		c.closeErr = c.w.Close()
	})
	return c.closeErr
}
