package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pressline/uploader/internal/assets"
	"github.com/pressline/uploader/internal/store"
	"github.com/pressline/uploader/internal/uploadapi"
)

// uploadFile transfers the file at path in chunks, starting at the record's
// acknowledged offset. The record is persisted after every chunk so a restart
// resumes without re-sending acknowledged bytes.
func (e *Engine) uploadFile(ctx context.Context, sess *session, rec *store.UploadRecord, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open upload source: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat upload source: %w", err)
	}
	size := info.Size()
	if rec.TotalBytes == 0 {
		rec.TotalBytes = size
	}

	rec.State = store.StateUploading
	if err := e.records.Save(ctx, rec); err != nil {
		return fmt.Errorf("persist record: %w", err)
	}

	log.Debug().
		Str("postId", rec.PostID).
		Int64("size", size).
		Int64("resumeOffset", rec.UploadedBytes).
		Msg("Starting chunked upload")

	buf := make([]byte, e.cfg.ChunkSize)
	for offset := rec.UploadedBytes; offset < size; {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(int64(len(buf)), size-offset)
		if _, err := f.ReadAt(buf[:n], offset); err != nil && err != io.EOF {
			return fmt.Errorf("read chunk at offset %d: %w", offset, err)
		}
		if err := e.sendChunk(ctx, rec, buf[:n], offset); err != nil {
			if offset > 0 && errors.Is(err, uploadapi.ErrResumeUnsupported) {
				// The backend holds no state for the acknowledged bytes, so
				// the asset restarts from zero rather than completing short.
				log.Warn().
					Str("postId", rec.PostID).
					Int64("offset", offset).
					Msg("Backend cannot resume mid-file, restarting upload from zero")
				offset = 0
				rec.UploadedBytes = 0
				sess.tracker.SetUploaded(rec.PostID, 0)
				if err := e.records.Save(ctx, rec); err != nil {
					return fmt.Errorf("persist restarted record: %w", err)
				}
				continue
			}
			return err
		}
		offset += n
		rec.UploadedBytes = offset
		if err := e.records.Save(ctx, rec); err != nil {
			return fmt.Errorf("persist chunk offset: %w", err)
		}
		sess.tracker.UploadDelta(rec.PostID, n)
	}
	return nil
}

// sendChunk transfers one chunk, retrying transient failures with bounded
// exponential backoff. On exhaustion the failure escalates to a terminal
// *UploadError. Non-retryable API responses escalate immediately.
func (e *Engine) sendChunk(ctx context.Context, rec *store.UploadRecord, chunk []byte, offset int64) error {
	attempts := e.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := e.cfg.RetryBaseDelay << (attempt - 2)
			log.Debug().
				Str("postId", rec.PostID).
				Int64("offset", offset).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("Retrying chunk after transient failure")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		chunkCtx, cancel := context.WithTimeout(ctx, e.cfg.ChunkTimeout)
		_, err := e.api.UploadChunk(chunkCtx, rec.PostID, rec.Key, chunk, offset)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, uploadapi.ErrResumeUnsupported) {
			// Not a chunk failure; the caller restarts the transfer.
			return err
		}
		lastErr = err
		if !uploadapi.IsTransient(err) {
			return &UploadError{PostID: rec.PostID, Attempts: attempt, Err: err}
		}
	}
	return &UploadError{PostID: rec.PostID, Attempts: attempts, Err: lastErr}
}

// finalize issues the post-creation digest call with the upload metadata.
// Thumbnail generation is best effort; a digest without a preview is valid.
func (e *Engine) finalize(ctx context.Context, rec *store.UploadRecord, asset *assets.Asset) (*uploadapi.Digest, error) {
	req := &uploadapi.DigestRequest{
		PostID:   rec.PostID,
		Key:      rec.Key,
		MIMEType: rec.MIMEType,
		FileSize: rec.TotalBytes,
		IsVideo:  rec.IsVideo(),
		Width:    asset.Width,
		Height:   asset.Height,
	}
	if !asset.TakenAt.IsZero() {
		req.TakenAt = asset.TakenAt.UTC().Format(time.RFC3339)
	}

	if thumb, _, err := assets.Thumbnail(asset, assets.DefaultThumbnailMaxDimension); err != nil {
		log.Debug().Err(err).Str("asset", asset.Ref).Msg("Thumbnail generation failed, digest sent without preview")
	} else {
		req.Thumbnail = thumb
	}

	digest, err := e.api.CreatePostDigest(ctx, req)
	if err != nil {
		return nil, &DigestError{PostID: rec.PostID, Err: err}
	}
	return digest, nil
}
