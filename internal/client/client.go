// Package client implements the requester side of the profiling session
// protocol: starting a session against an aggregation service, the
// readiness and timestamp handshakes, and shipping result files back when
// the service asks for them.
package client

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/perfstream/perfstream/internal/retry"
	"github.com/perfstream/perfstream/internal/transport"
)

// ProtocolError reports a rejection or unexpected reply the service sent
// on the control channel.
type ProtocolError struct {
	Reply string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("service replied %q", e.Reply)
}

// Client drives one profiling session over a control connection.
type Client struct {
	conn   transport.Conn
	logger zerolog.Logger
}

// Dial connects to the aggregation service at host:port, retrying with
// exponential backoff while the service is still coming up.
func Dial(ctx context.Context, host string, port, bufSize int, logger zerolog.Logger) (*Client, error) {
	cfg := retry.Config{
		MaxRetries:     5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
	var conn transport.Conn
	err := retry.Do(ctx, cfg, func() error {
		var derr error
		conn, derr = transport.DialTCP(host, port, bufSize)
		return derr
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("dial service at %s:%d: %w", host, port, err)
	}
	return New(conn, logger), nil
}

// New wraps an established control connection.
func New(conn transport.Conn, logger zerolog.Logger) *Client {
	return &Client{
		conn:   conn,
		logger: logger.With().Str("component", "client").Logger(),
	}
}

// Close closes the control connection.
func (c *Client) Close() error { return c.conn.Close() }

// StartSession requests a session with the given number of profiler
// streams and a result directory name, and returns the transport type and
// per-stream dial instructions the service advertised.
func (c *Client) StartSession(streams int, resultDir, profiledName string) (string, []string, error) {
	if streams < 1 {
		return "", nil, fmt.Errorf("start session: need at least one stream, got %d", streams)
	}
	if err := c.conn.WriteMessage(fmt.Sprintf("start%d %s", streams, resultDir), true); err != nil {
		return "", nil, err
	}
	if err := c.conn.WriteMessage(profiledName, true); err != nil {
		return "", nil, err
	}

	reply, err := c.conn.ReadMessage(0)
	if err != nil {
		return "", nil, fmt.Errorf("read session instructions: %w", err)
	}
	if strings.HasPrefix(reply, "error_") {
		return "", nil, &ProtocolError{Reply: reply}
	}
	parts := strings.Split(reply, " ")
	if len(parts) != streams+1 {
		return "", nil, &ProtocolError{Reply: reply}
	}
	c.logger.Debug().Str("transport", parts[0]).Int("streams", streams).
		Msg("Session accepted")
	return parts[0], parts[1:], nil
}

// WaitForStart blocks until the service signals that every profiler
// stream is connected. Zero timeout waits indefinitely.
func (c *Client) WaitForStart(timeout time.Duration) error {
	msg, err := c.conn.ReadMessage(timeout)
	if err != nil {
		return fmt.Errorf("wait for profiling start: %w", err)
	}
	if msg != "start_profile" {
		return &ProtocolError{Reply: msg}
	}
	return nil
}

// ReportStartTimestamp sends the session start time and waits for the
// acknowledgement.
func (c *Client) ReportStartTimestamp(tstamp uint64) error {
	if err := c.conn.WriteMessage(strconv.FormatUint(tstamp, 10), true); err != nil {
		return err
	}
	reply, err := c.conn.ReadMessage(0)
	if err != nil {
		return fmt.Errorf("read timestamp acknowledgement: %w", err)
	}
	if reply != "tstamp_ack" {
		return &ProtocolError{Reply: reply}
	}
	return nil
}

// FileChannel describes the connection the service accepts result files
// on during the file-transfer stage.
type FileChannel struct {
	TransportType string
	Instructions  string
}

// Finish reads the session's final status once profiling is done. When
// the service offers the file-transfer stage, the returned channel is
// non-nil and the caller must ship files and then call Done.
func (c *Client) Finish() (*FileChannel, error) {
	msg, err := c.conn.ReadMessage(0)
	if err != nil {
		return nil, fmt.Errorf("read session status: %w", err)
	}
	switch msg {
	case "profiling_finished":
		return nil, nil
	case "out_files":
		announce, err := c.conn.ReadMessage(0)
		if err != nil {
			return nil, fmt.Errorf("read file channel announcement: %w", err)
		}
		transportType, instructions, ok := strings.Cut(announce, " ")
		if !ok {
			return nil, &ProtocolError{Reply: announce}
		}
		return &FileChannel{TransportType: transportType, Instructions: instructions}, nil
	default:
		return nil, &ProtocolError{Reply: msg}
	}
}

// SendFile ships one local file to the service under the given remote
// name. Processed files land in the session's processed directory, the
// rest next to the raw profiler output. The returned reply is the
// service's per-file verdict ("out_file_ok" or an error token).
func (c *Client) SendFile(ch *FileChannel, processed bool, name, localPath string) (string, error) {
	kind := "o"
	if processed {
		kind = "p"
	}
	if err := c.conn.WriteMessage(kind+" "+name, true); err != nil {
		return "", err
	}

	fileConn, err := transport.Dial(ch.TransportType, ch.Instructions, 1)
	if err != nil {
		return "", fmt.Errorf("dial file channel: %w", err)
	}
	werr := fileConn.WriteFile(localPath)
	// Close before reading the verdict: the service reads until EOF.
	if cerr := fileConn.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return "", fmt.Errorf("send %s: %w", name, werr)
	}

	reply, err := c.conn.ReadMessage(0)
	if err != nil {
		return "", fmt.Errorf("read file verdict: %w", err)
	}
	c.logger.Debug().Str("file", name).Str("verdict", reply).Msg("File sent")
	return reply, nil
}

// SendSourceList ships the list of source files the profiled program was
// built from; the service archives them alongside the processed results.
func (c *Client) SendSourceList(ch *FileChannel, paths []string) (string, error) {
	if err := c.conn.WriteMessage("p code_paths.lst", true); err != nil {
		return "", err
	}

	fileConn, err := transport.Dial(ch.TransportType, ch.Instructions, 1)
	if err != nil {
		return "", fmt.Errorf("dial file channel: %w", err)
	}
	var werr error
	for _, p := range paths {
		if werr = fileConn.WriteMessage(p, true); werr != nil {
			break
		}
	}
	if werr == nil {
		werr = fileConn.WriteMessage("", true)
	}
	if cerr := fileConn.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return "", fmt.Errorf("send source list: %w", werr)
	}

	reply, err := c.conn.ReadMessage(0)
	if err != nil {
		return "", fmt.Errorf("read source list verdict: %w", err)
	}
	return reply, nil
}

// Done ends the file-transfer stage and waits for the session to close
// out.
func (c *Client) Done() error {
	if err := c.conn.WriteMessage("<STOP>", true); err != nil {
		return err
	}
	msg, err := c.conn.ReadMessage(0)
	if err != nil {
		return fmt.Errorf("read final status: %w", err)
	}
	if msg != "finished" {
		return &ProtocolError{Reply: msg}
	}
	return nil
}
