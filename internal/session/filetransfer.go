package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/perfstream/perfstream/internal/archive"
	"github.com/perfstream/perfstream/internal/transport"
)

// fileBufferSize is the chunk size for raw file transfers.
const fileBufferSize = 64 * 1024

// transferFiles runs the file-transfer stage: it announces the file
// acceptor, then serves "p <name>" / "o <name>" requests on the control
// connection until "<STOP>". Each accepted request is answered over a
// fresh connection from the file acceptor. Per-file failures (bad request
// format, local write error, transfer timeout) are reported to the peer
// and the loop continues; transport failures end the session.
func (c *Coordinator) transferFiles(outPath, processedPath string) error {
	if err := c.conn.WriteMessage(msgOutFiles, true); err != nil {
		return err
	}
	announce := c.cfg.FileAcceptor.Type() + " " + c.cfg.FileAcceptor.ConnectionInstructions()
	if err := c.conn.WriteMessage(announce, true); err != nil {
		return err
	}

	for {
		req, err := c.conn.ReadMessage(0)
		if err != nil {
			return fmt.Errorf("read file request: %w", err)
		}
		if req == stopToken {
			return nil
		}
		if len(req) < 3 || req[1] != ' ' || (req[0] != 'p' && req[0] != 'o') {
			if err := c.conn.WriteMessage(errWrongFileFormat, true); err != nil {
				return err
			}
			continue
		}

		name := req[2:]
		dir, kind := outPath, "out"
		if req[0] == 'p' {
			dir, kind = processedPath, "processed"
		}

		// Framing buffer of 1: the connection carries raw bytes, except
		// for the line-oriented source list.
		fileConn, err := c.cfg.FileAcceptor.Accept(1, 0)
		if err != nil {
			return fmt.Errorf("accept file connection: %w", err)
		}
		reply, err := c.receiveFile(fileConn, name, dir, kind, processedPath)
		_ = fileConn.Close()
		if err != nil {
			return err
		}
		if err := c.conn.WriteMessage(reply, true); err != nil {
			return err
		}
	}
}

// receiveFile consumes one file connection and returns the reply for the
// control channel. A non-empty reply with nil error covers both success
// and the non-fatal per-file failures.
func (c *Coordinator) receiveFile(fileConn transport.Conn, name, dir, kind, processedPath string) (string, error) {
	if name == codePathsName {
		paths, err := readSourceList(fileConn)
		if err != nil {
			return "", err
		}
		if err := archive.CreateSourceArchive(filepath.Join(processedPath, "src.zip"), paths); err != nil {
			return "", fmt.Errorf("create source archive: %w", err)
		}
		return msgOutFileOK, nil
	}

	if !filepath.IsLocal(name) {
		c.logger.Error().Str("file", name).Str("kind", kind).
			Msg("Rejecting non-local output file name")
		return errOutFile, nil
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		c.logger.Error().Err(err).Str("file", name).Str("kind", kind).
			Msg("Could not open the output file")
		return errOutFile, nil
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, fileBufferSize)
	for {
		n, err := fileConn.ReadBytes(buf, c.cfg.FileTimeout)
		if errors.Is(err, transport.ErrTimeout) {
			c.logger.Warn().Str("file", name).Str("kind", kind).
				Dur("timeout", c.cfg.FileTimeout).
				Msg("File transfer timed out, some data may have been lost")
			return errOutFileTimeout, nil
		}
		if err != nil {
			return "", err
		}
		if n == 0 {
			return msgOutFileOK, nil
		}
		if _, err := f.Write(buf[:n]); err != nil {
			c.logger.Error().Err(err).Str("file", name).Str("kind", kind).
				Msg("Could not write to the output file")
			return errOutFile, nil
		}
	}
}

// readSourceList reads newline-delimited absolute paths until an empty
// line or peer close, canonicalizing and deduplicating the ones that
// exist. Paths that cannot be resolved are skipped.
func readSourceList(conn transport.Conn) ([]string, error) {
	seen := make(map[string]struct{})
	var paths []string
	for {
		line, err := conn.ReadMessage(0)
		if errors.Is(err, transport.ErrClosed) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read source list: %w", err)
		}
		if line == "" {
			break
		}
		resolved, err := filepath.EvalSymlinks(line)
		if err != nil {
			continue
		}
		if resolved, err = filepath.Abs(resolved); err != nil {
			continue
		}
		if _, dup := seen[resolved]; dup {
			continue
		}
		seen[resolved] = struct{}{}
		paths = append(paths, resolved)
	}
	return paths, nil
}
