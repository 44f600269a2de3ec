package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ostern42/smartbox-next-sub001/internal/types"
)

// SyntheticSource generates synthetic frames at a fixed rate. Used by the
// daemon's demo mode and by tests that need a realistic producer.
type SyntheticSource struct {
	width     int
	height    int
	fps       int
	frameSize int

	framesCh chan types.Frame
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu            sync.Mutex
	seq           uint64
	framesEmitted uint64
	isRunning     bool
	startTime     time.Time
}

// NewSyntheticSource creates a synthetic source. frameSize overrides the
// natural BGR24 payload size when non-zero (tests use tiny payloads).
func NewSyntheticSource(width, height, fps, frameSize int) *SyntheticSource {
	if frameSize <= 0 {
		frameSize = width * height * 3 // BGR24
	}
	return &SyntheticSource{
		width:     width,
		height:    height,
		fps:       fps,
		frameSize: frameSize,
		framesCh:  make(chan types.Frame, 10),
		stopCh:    make(chan struct{}),
	}
}

// Start begins generating frames. Restartable: each start gets fresh
// channels, so the source survives session cycling.
func (s *SyntheticSource) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("source already running")
	}
	s.framesCh = make(chan types.Frame, 10)
	s.stopCh = make(chan struct{})
	s.isRunning = true
	s.startTime = time.Now()
	s.mu.Unlock()

	slog.Info("synthetic source starting",
		"width", s.width,
		"height", s.height,
		"fps", s.fps,
	)

	s.wg.Add(1)
	go s.generate(ctx)

	return nil
}

// Frames returns the frame channel.
func (s *SyntheticSource) Frames() <-chan types.Frame {
	return s.framesCh
}

// Stop stops the stream and closes the frame channel.
func (s *SyntheticSource) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	close(s.framesCh)

	s.mu.Lock()
	s.isRunning = false
	emitted := s.framesEmitted
	s.mu.Unlock()

	slog.Info("synthetic source stopped", "frames_emitted", emitted)
	return nil
}

func (s *SyntheticSource) generate(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(s.fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			frame := s.createFrame()
			select {
			case s.framesCh <- frame:
				s.mu.Lock()
				s.framesEmitted++
				s.mu.Unlock()
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			}
		}
	}
}

func (s *SyntheticSource) createFrame() types.Frame {
	s.mu.Lock()
	seq := s.seq
	s.seq++
	s.mu.Unlock()

	return types.Frame{
		Seq:       seq,
		Timestamp: time.Now().UTC(),
		Width:     s.width,
		Height:    s.height,
		Format:    types.FormatBGR24,
		Data:      make([]byte, s.frameSize),
		KeyFrame:  true, // raw frames are all standalone
		TraceID:   uuid.New().String(),
	}
}
