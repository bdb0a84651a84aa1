// Package testutil provides shared testing utilities.
package testutil

import (
	"context"
	"time"
)

// NewTestContext returns a context bounding a protocol test at 30
// seconds, well past any handshake or transfer timeout used in the
// suites.
func NewTestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
