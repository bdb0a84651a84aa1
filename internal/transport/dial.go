package transport

import (
	"fmt"
	"strconv"
	"strings"
)

// Dial connects to the transport described by a type tag and the connection
// instructions string produced by the matching Acceptor.
func Dial(transportType, instructions string, bufSize int) (Conn, error) {
	switch transportType {
	case TypeTCP:
		i := strings.LastIndexByte(instructions, '_')
		if i < 0 {
			return nil, connErr("dial", fmt.Errorf("bad tcp instructions %q", instructions))
		}
		port, err := strconv.Atoi(instructions[i+1:])
		if err != nil {
			return nil, connErr("dial", fmt.Errorf("bad tcp port in %q: %w", instructions, err))
		}
		return DialTCP(instructions[:i], port, bufSize)
	case TypePipe:
		return DialPipe(instructions, bufSize)
	default:
		return nil, connErr("dial", fmt.Errorf("unknown transport type %q", transportType))
	}
}
