package transport

import "bytes"

// framer converts a raw byte stream into newline-delimited messages.
//
// A single physical read may carry zero, one, or several complete messages
// and may end mid-message. The invariant maintained between calls is that
// buf[:startPos] holds exactly one incomplete trailing fragment, never more.
// Complete messages beyond the first one produced by a read are queued FIFO
// and drained by later calls without touching the transport. A fragment that
// fills the entire buffer without a delimiter is moved to carry, forcing
// another physical read to complete it.
type framer struct {
	buf      []byte
	startPos int
	queue    []string
	carry    bytes.Buffer
	closed   bool
}

func newFramer(bufSize int) *framer {
	if bufSize < 1 {
		bufSize = 1
	}
	return &framer{buf: make([]byte, bufSize)}
}

// readMessage returns the next message, invoking read for more bytes as
// needed. read reports n == 0 on peer-initiated close, in which case the
// buffered tail (possibly empty) is delivered as the final message and all
// subsequent calls fail with ErrClosed.
func (f *framer) readMessage(read func(p []byte) (int, error)) (string, error) {
	if len(f.queue) > 0 {
		msg := f.queue[0]
		f.queue = f.queue[1:]
		return msg, nil
	}
	if f.closed {
		return "", ErrClosed
	}

	for {
		n, err := read(f.buf[f.startPos:])
		if err != nil {
			return "", err
		}
		if n == 0 {
			f.closed = true
			tail := f.carry.String() + string(f.buf[:f.startPos])
			f.carry.Reset()
			f.startPos = 0
			return tail, nil
		}

		total := f.startPos + n
		var first string
		haveFirst := false
		pos := 0

		for pos < total {
			idx := bytes.IndexByte(f.buf[pos:total], '\n')
			if idx < 0 {
				break
			}
			msg := string(f.buf[pos : pos+idx])
			if f.carry.Len() > 0 {
				msg = f.carry.String() + msg
				f.carry.Reset()
			}
			if haveFirst {
				f.queue = append(f.queue, msg)
			} else {
				first = msg
				haveFirst = true
			}
			pos += idx + 1
		}

		switch {
		case pos == total:
			f.startPos = 0
		case total-pos == len(f.buf):
			// The unterminated fragment occupies the whole buffer.
			f.carry.Write(f.buf)
			f.startPos = 0
		default:
			copy(f.buf, f.buf[pos:total])
			f.startPos = total - pos
		}

		if haveFirst {
			return first, nil
		}
	}
}
