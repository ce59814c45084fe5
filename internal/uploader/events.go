package uploader

import (
	"time"

	"github.com/pressline/uploader/internal/uploadapi"
)

// PostUploadMeta describes a finished asset upload, passed to the per-asset
// completion callback. MediaURL and Digest are nil/empty when the asset
// failed before the digest call succeeded.
type PostUploadMeta struct {
	PostID    string
	GalleryID string
	AssetRef  string
	MediaURL  string
	Digest    *uploadapi.Digest
}

// AssetOutcome is one asset's terminal result inside a batch summary.
type AssetOutcome struct {
	PostID        string
	AssetRef      string
	IsVideo       bool
	UploadedBytes int64
	Duration      time.Duration
	Err           error
}

// BatchSummary is delivered exactly once per batch, after the last asset
// reaches a terminal state (or the batch is cancelled).
type BatchSummary struct {
	GalleryID     string
	StartedAt     time.Time
	FinishedAt    time.Time
	Succeeded     int
	Failed        int
	Abandoned     int
	TotalBytes    int64
	UploadedBytes int64
	VideoBytes    int64
	ImageBytes    int64
	ThroughputBps float64
	Cancelled     bool
	Outcomes      []AssetOutcome
}

// Events receives the engine's lifecycle notifications. Implementations must
// be safe for concurrent invocation; OnProgress and OnAssetComplete may fire
// from multiple worker goroutines.
type Events interface {
	// OnProgress reports the batch-wide completion fraction in [0,1] and an
	// instantaneous throughput estimate in bytes/second. The fraction never
	// decreases within a session.
	OnProgress(fraction, bytesPerSecond float64)

	// OnAssetComplete fires exactly once per accepted asset, on success
	// (err == nil) or terminal failure. Skipped malformed posts are also
	// reported here with a *MalformedPostError.
	OnAssetComplete(meta *PostUploadMeta, isVideo bool, fileSize int64, err error)

	// OnBatchComplete fires exactly once when the session reaches its
	// terminal state.
	OnBatchComplete(summary *BatchSummary)
}

// NoopEvents discards all notifications.
type NoopEvents struct{}

var _ Events = NoopEvents{}

func (NoopEvents) OnProgress(fraction, bytesPerSecond float64) {}

func (NoopEvents) OnAssetComplete(meta *PostUploadMeta, isVideo bool, fileSize int64, err error) {}

func (NoopEvents) OnBatchComplete(summary *BatchSummary) {}
