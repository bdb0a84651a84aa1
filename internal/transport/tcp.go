package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// TCPAcceptor owns a listening TCP socket and hands out framed connections.
type TCPAcceptor struct {
	listener *net.TCPListener
	host     string
}

// NewTCPAcceptor binds to host:port and starts listening. With
// probeSubsequentPorts set, a bind conflict moves on to the next port until
// one succeeds; otherwise a conflict fails fast with ErrAlreadyInUse.
// Port 0 binds an ephemeral port either way.
func NewTCPAcceptor(host string, port int, probeSubsequentPorts bool) (*TCPAcceptor, error) {
	for {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return &TCPAcceptor{listener: l.(*net.TCPListener), host: host}, nil
		}
		if errors.Is(err, syscall.EADDRINUSE) {
			if probeSubsequentPorts && port > 0 {
				port++
				continue
			}
			return nil, ErrAlreadyInUse
		}
		return nil, connErr("bind", err)
	}
}

// Accept blocks until a peer connects, bounded by timeout (zero waits
// indefinitely), and wraps the stream in message framing with a receive
// buffer of bufSize bytes.
func (a *TCPAcceptor) Accept(bufSize int, timeout time.Duration) (Conn, error) {
	if timeout > 0 {
		if err := a.listener.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, connErr("accept", err)
		}
		defer func() { _ = a.listener.SetDeadline(time.Time{}) }()
	}
	c, err := a.listener.Accept()
	if err != nil {
		if isTimeout(err) {
			return nil, ErrTimeout
		}
		return nil, connErr("accept", err)
	}
	return newTCPConn(c, bufSize), nil
}

// Port returns the port the acceptor is bound to.
func (a *TCPAcceptor) Port() int {
	return a.listener.Addr().(*net.TCPAddr).Port
}

// ConnectionInstructions returns "<host>_<port>".
func (a *TCPAcceptor) ConnectionInstructions() string {
	host := a.host
	if host == "" {
		host = a.listener.Addr().(*net.TCPAddr).IP.String()
	}
	return fmt.Sprintf("%s_%d", host, a.Port())
}

// Type returns TypeTCP.
func (a *TCPAcceptor) Type() string { return TypeTCP }

// Close stops the listener.
func (a *TCPAcceptor) Close() error { return a.listener.Close() }

// TCPConn is a framed connection over an established TCP stream.
type TCPConn struct {
	conn net.Conn
	fr   *framer

	closeOnce sync.Once
	closeErr  error
}

func newTCPConn(c net.Conn, bufSize int) *TCPConn {
	return &TCPConn{conn: c, fr: newFramer(bufSize)}
}

// DialTCP connects to host:port and returns a framed connection with a
// receive buffer of bufSize bytes.
func DialTCP(host string, port int, bufSize int) (*TCPConn, error) {
	c, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, connErr("dial", err)
	}
	return newTCPConn(c, bufSize), nil
}

// ReadMessage returns the next newline-delimited message.
func (c *TCPConn) ReadMessage(timeout time.Duration) (string, error) {
	return c.fr.readMessage(func(p []byte) (int, error) {
		return rawRead(c.conn, p, timeout)
	})
}

// ReadBytes fills p with raw bytes, stopping early only on peer close.
func (c *TCPConn) ReadBytes(p []byte, timeout time.Duration) (int, error) {
	return readFull(c.conn, p, timeout)
}

// WriteMessage sends msg, appending the newline delimiter when requested.
func (c *TCPConn) WriteMessage(msg string, appendNewline bool) error {
	if appendNewline {
		msg += "\n"
	}
	return writeAll(c.conn, []byte(msg))
}

// WriteBytes sends p verbatim.
func (c *TCPConn) WriteBytes(p []byte) error {
	return writeAll(c.conn, p)
}

// WriteFile streams the contents of the file at path.
func (c *TCPConn) WriteFile(path string) error {
	return writeFile(c.conn, path)
}

// Close shuts the connection down. Idempotent.
func (c *TCPConn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.conn.Close() })
	return c.closeErr
}

// deadliner is the subset of net.Conn and *os.File used for bounded reads.
type deadliner interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// rawRead performs one bounded read, mapping peer close to (0, nil) and
// always clearing the deadline so later calls see an untimed stream.
func rawRead(r deadliner, p []byte, timeout time.Duration) (int, error) {
	if timeout > 0 {
		if err := r.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, connErr("read", err)
		}
		defer func() { _ = r.SetReadDeadline(time.Time{}) }()
	}
	n, err := r.Read(p)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if isTimeout(err) {
			return 0, ErrTimeout
		}
		return 0, connErr("read", err)
	}
	return n, nil
}

// readFull fills p completely unless the peer closes first, in the manner
// of a MSG_WAITALL receive. A timeout discards any partial data.
func readFull(r deadliner, p []byte, timeout time.Duration) (int, error) {
	if timeout > 0 {
		if err := r.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, connErr("read", err)
		}
		defer func() { _ = r.SetReadDeadline(time.Time{}) }()
	}
	total := 0
	for total < len(p) {
		n, err := r.Read(p[total:])
		total += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			if isTimeout(err) {
				return 0, ErrTimeout
			}
			return 0, connErr("read", err)
		}
	}
	return total, nil
}

// writeAll sends p, treating a short write as an error.
func writeAll(w io.Writer, p []byte) error {
	n, err := w.Write(p)
	if err != nil {
		return connErr("write", err)
	}
	if n < len(p) {
		return connErr("write", io.ErrShortWrite)
	}
	return nil
}

func writeFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return connErr("write file", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := io.Copy(w, f); err != nil {
		return connErr("write file", err)
	}
	return nil
}

func isTimeout(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
