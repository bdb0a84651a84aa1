// Package profiler defines the frontend-side view of an external sampling
// profiler: the interface the session driver coordinates against, the
// stack-filter blob attached to a profiler, and helpers for handing dial
// instructions to profiler processes. Launching and supervising the
// sampling tool itself is the embedder's job.
package profiler

import (
	"context"
	"fmt"
	"strings"
)

// Profiler is one external sampling profiler taking part in a session.
type Profiler interface {
	// Name identifies the profiler in logs and result directories.
	Name() string

	// StreamCount is how many data connections the profiler opens
	// toward the aggregation service.
	StreamCount() int

	// Start hands over the transport type and one dial instruction per
	// stream, and begins sampling the target.
	Start(ctx context.Context, transportType string, instructions []string) error

	// Wait blocks until the profiler has flushed its streams and exited.
	Wait() error

	// Filter returns the stack-filter blob attached to this profiler,
	// or nil when unfiltered.
	Filter() *Filter
}

// ConnectEnv is the environment variable profiler processes read their
// dial instructions from.
const ConnectEnv = "PERFSTREAM_CONNECT"

// ConnectValue formats the ConnectEnv value: the transport type followed
// by the space-separated dial instructions, matching the instruction line
// of the control protocol.
func ConnectValue(transportType string, instructions []string) string {
	return transportType + " " + strings.Join(instructions, " ")
}

// ChildPipeInstructions rewrites a pipe dial instruction for a child
// process that inherits the descriptor pairs as consecutive extra files.
// Extra files are renumbered from descriptor 3 upward in the child, write
// end first, in stream order.
func ChildPipeInstructions(stream int) string {
	write := 3 + 2*stream
	return fmt.Sprintf("%d_%d", write, write+1)
}
