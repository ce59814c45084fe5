package uploader

import (
	"context"
	"sync"
	"time"

	"github.com/pressline/uploader/internal/progress"
)

// session is the in-memory state of one active batch. It exists only while
// the batch is in flight (or being resumed) and is discarded once the batch
// summary has been delivered.
type session struct {
	galleryID string
	startedAt time.Time
	tracker   *progress.Tracker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	succeeded int
	failed    int
	abandoned int
	outcomes  []AssetOutcome
}

func newSession(parent context.Context, galleryID string, tracker *progress.Tracker) *session {
	ctx, cancel := context.WithCancel(parent)
	return &session{
		galleryID: galleryID,
		startedAt: time.Now(),
		tracker:   tracker,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// recordOutcome accumulates one asset's terminal result. abandoned assets
// count toward neither success nor failure.
func (s *session) recordOutcome(o AssetOutcome, state outcomeState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
	switch state {
	case outcomeSucceeded:
		s.succeeded++
	case outcomeFailed:
		s.failed++
	case outcomeAbandoned:
		s.abandoned++
	}
}

type outcomeState int

const (
	outcomeSucceeded outcomeState = iota
	outcomeFailed
	outcomeAbandoned
)

// summary snapshots the session into the batch completion payload.
func (s *session) summary(cancelled bool) *BatchSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	total, accounted := s.tracker.Totals()
	videoBytes, imageBytes := s.tracker.KindTotals()

	return &BatchSummary{
		GalleryID:     s.galleryID,
		StartedAt:     s.startedAt,
		FinishedAt:    time.Now(),
		Succeeded:     s.succeeded,
		Failed:        s.failed,
		Abandoned:     s.abandoned,
		TotalBytes:    total,
		UploadedBytes: accounted,
		VideoBytes:    videoBytes,
		ImageBytes:    imageBytes,
		ThroughputBps: s.tracker.Throughput(),
		Cancelled:     cancelled,
		Outcomes:      append([]AssetOutcome(nil), s.outcomes...),
	}
}
