// Package source defines the frame ingress boundary. The recorder never
// pulls frames; a Source pushes them onto a bounded channel and the recorder
// consumes. The capture-device driver lives behind this interface, outside
// the module.
package source

import (
	"context"

	"github.com/ostern42/smartbox-next-sub001/internal/types"
)

// Source provides a stream of video frames.
type Source interface {
	// Start begins streaming frames.
	Start(ctx context.Context) error
	// Frames returns the frame channel. Closed after Stop.
	Frames() <-chan types.Frame
	// Stop stops the stream and closes the frame channel.
	Stop() error
}
