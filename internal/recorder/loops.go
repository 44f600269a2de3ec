package recorder

import (
	"context"
	"time"
)

// consumeFrames is the producer-side loop: it drains the source channel and
// fans each frame out to the in-memory store and the segment writer. Neither
// call blocks on disk, so ingestion keeps frame pace even under I/O stalls.
func (r *Recorder) consumeFrames(ctx context.Context) {
	defer r.wg.Done()
	defer r.recoverLoop("frame consumer")

	frames := r.opts.Source.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			f := frame
			r.store.Add(&f)
			r.writer.Write(&f)
			r.totalFrames.Add(1)
		}
	}
}

// durationGuard stops the session once the configured maximum duration has
// elapsed. Stop is idempotent, so a race with a manual stop is harmless.
func (r *Recorder) durationGuard(ctx context.Context) {
	defer r.wg.Done()
	defer r.recoverLoop("duration guard")

	r.mu.Lock()
	startedAt := r.session.StartedAt
	maxDur := r.maxDur
	r.mu.Unlock()

	ticker := time.NewTicker(pollInterval(maxDur))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(startedAt) < maxDur {
				continue
			}
			r.log.Warn("maximum session duration reached", "max_duration", maxDur)
			// Stop waits for this loop to exit, so it must run elsewhere.
			go r.Stop(StopReasonDurationLimit)
			return
		}
	}
}

// rotationLoop closes the open segment and opens the next one each time the
// configured segment duration elapses. Boundaries are computed from the
// session start rather than wall time at tick, so consecutive segments share
// an exact boundary timestamp even when a tick lands late.
func (r *Recorder) rotationLoop(ctx context.Context) {
	defer r.wg.Done()
	defer r.recoverLoop("segment rotation")

	r.mu.Lock()
	segDur := r.segDur
	r.mu.Unlock()
	ticker := time.NewTicker(pollInterval(segDur))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			boundary := r.segBoundary.Add(segDur)
			r.mu.Unlock()

			if time.Now().Before(boundary) {
				continue
			}
			if _, err := r.writer.Rotate(boundary); err != nil {
				r.log.Error("segment rotation failed", "error", err)
				continue
			}
			r.mu.Lock()
			r.segBoundary = boundary
			if r.session != nil {
				r.session.Segment = r.writer.CurrentSegment()
			}
			r.mu.Unlock()
		}
	}
}

// monitorLoop runs the resource monitor for the lifetime of the session.
func (r *Recorder) monitorLoop(ctx context.Context) {
	defer r.wg.Done()
	defer r.recoverLoop("resource monitor")

	r.mon.Run(ctx)
}

// recoverLoop converts a panic in a supervisory loop into a clean session
// stop. Losing a loop silently would leave the session half-supervised.
func (r *Recorder) recoverLoop(name string) {
	if rec := recover(); rec != nil {
		r.log.Error("supervisory loop panicked", "loop", name, "panic", rec)
		go r.Stop("supervisory loop failure: " + name)
	}
}

// pollInterval picks a check period well below the guarded duration so short
// test configurations still rotate on time, clamped to a sane range.
func pollInterval(d time.Duration) time.Duration {
	p := d / 20
	if p < 50*time.Millisecond {
		p = 50 * time.Millisecond
	}
	if p > 5*time.Second {
		p = 5 * time.Second
	}
	return p
}
