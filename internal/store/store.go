// Package store provides durable persistence for upload records. It
// replaces in-memory batch state with DynamoDB-backed storage that
// survives process crashes and restarts, which is what makes interrupted
// batches resumable.
//
// The package uses a single-table DynamoDB design where all records for a
// gallery share a partition key (GALLERY#{galleryId}) and each post's
// record lives under a POST#{postId} sort key. A TTL attribute (expiresAt)
// auto-deletes stale records after 7 days.
package store

import (
	"context"
	"time"

	"github.com/pressline/uploader/internal/assets"
)

// RecordTTL is the time-to-live for upload records. Long enough to survive
// any realistic gap between a crash and the next app launch.
const RecordTTL = 7 * 24 * time.Hour

// RecordState is the lifecycle state of one upload record.
type RecordState string

const (
	// StateQueued: record created, asset not yet dispatched.
	StateQueued RecordState = "queued"
	// StateTranscoding: video handed to the transcode coordinator.
	StateTranscoding RecordState = "transcoding"
	// StateTranscoded: transcode output written to the temp sandbox.
	StateTranscoded RecordState = "transcoded"
	// StateUploading: at least one chunk acknowledged by the remote API.
	StateUploading RecordState = "uploading"
	// StateCompleted: digest call succeeded. Terminal.
	StateCompleted RecordState = "completed"
	// StateFailed: unrecoverable per-asset failure. Terminal.
	StateFailed RecordState = "failed"
	// StateAbandoned: batch was cancelled mid-flight. Not terminal; the
	// record stays resumable on next startup.
	StateAbandoned RecordState = "abandoned"
)

// Terminal reports whether no further transitions occur from this state.
func (s RecordState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// UploadRecord is the durable state of one post's upload. Created when a
// batch accepts the post, mutated as stages complete, and deleted only
// after the remote digest call has returned success.
type UploadRecord struct {
	// GalleryID and PostID are derived from PK/SK on read and excluded
	// from DynamoDB attributes on write.
	GalleryID string `dynamodbav:"-"`
	PostID    string `dynamodbav:"-"`

	// Key is the caller-supplied authorization key for this post.
	Key string `dynamodbav:"key"`

	AssetRef string      `dynamodbav:"assetRef"`
	Kind     assets.Kind `dynamodbav:"kind"`
	MIMEType string      `dynamodbav:"mimeType"`
	State    RecordState `dynamodbav:"state"`

	// TotalBytes is the known upload size: the photo's file size, or the
	// transcoded file size once transcoding completes (0 until then).
	TotalBytes int64 `dynamodbav:"totalBytes"`

	// UploadedBytes is the resumable offset: bytes acknowledged by the
	// remote API so far. Persisted after every chunk.
	UploadedBytes int64 `dynamodbav:"uploadedBytes"`

	// TempPath is the transcoded output file in the local sandbox.
	// Empty for photos and for videos not yet transcoded.
	TempPath string `dynamodbav:"tempPath,omitempty"`

	Error string `dynamodbav:"error,omitempty"`

	CreatedAt time.Time `dynamodbav:"createdAt"`
	UpdatedAt time.Time `dynamodbav:"updatedAt"`
}

// IsVideo reports whether the record's asset is a video.
func (r *UploadRecord) IsVideo() bool {
	return r.Kind == assets.KindVideo
}

// RecordStore defines the durable record operations the upload engine
// needs. Each method is safe for concurrent use for distinct records;
// saves for the same record are serialized by the engine.
//
// Save performs full-item replacement (upsert semantics) and is idempotent;
// it may be invoked after every chunk without correctness risk.
type RecordStore interface {
	// Save creates or replaces a record.
	Save(ctx context.Context, record *UploadRecord) error

	// FetchIncomplete returns all records not in a terminal state, across
	// all galleries. Used by startup recovery.
	FetchIncomplete(ctx context.Context) ([]*UploadRecord, error)

	// Delete removes a record. Called only after the digest call succeeds.
	Delete(ctx context.Context, galleryID, postID string) error
}
