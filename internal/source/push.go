package source

import (
	"context"
	"sync"

	"github.com/ostern42/smartbox-next-sub001/internal/types"
)

// PushSource adapts a push-style capture callback onto the Source interface.
// The capture collaborator calls Push for every frame it delivers; Push is
// non-blocking and drops the frame if the recorder has fallen behind (the
// buffer absorbs normal jitter).
type PushSource struct {
	depth    int
	framesCh chan types.Frame

	mu      sync.Mutex
	running bool
	stopped bool
	dropped uint64
}

// NewPushSource creates a push ingress with the given channel depth.
func NewPushSource(depth int) *PushSource {
	if depth <= 0 {
		depth = 64
	}
	return &PushSource{depth: depth, framesCh: make(chan types.Frame, depth)}
}

// Start implements Source. The push source has no goroutine of its own.
// Restartable: a source stopped by a previous session gets a fresh channel.
func (p *PushSource) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.framesCh = make(chan types.Frame, p.depth)
		p.stopped = false
	}
	p.running = true
	p.mu.Unlock()
	return nil
}

// Frames implements Source.
func (p *PushSource) Frames() <-chan types.Frame {
	return p.framesCh
}

// Stop implements Source and closes the frame channel. Push calls after
// Stop are no-ops.
func (p *PushSource) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	p.stopped = true
	p.running = false
	close(p.framesCh)
	return nil
}

// Push delivers one frame from the capture collaborator. Never blocks.
func (p *PushSource) Push(frame types.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.stopped {
		return
	}
	select {
	case p.framesCh <- frame:
	default:
		p.dropped++
	}
}

// Dropped returns the number of frames rejected because the channel was full
// or the source was not running.
func (p *PushSource) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}
