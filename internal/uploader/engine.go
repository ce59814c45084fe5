// Package uploader implements the batch upload orchestration engine: it
// accepts a batch of post descriptors, drives each asset through optional
// video transcoding and chunked network upload, aggregates progress, and
// persists enough state to resume an interrupted batch after a restart.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pressline/uploader/internal/assets"
	"github.com/pressline/uploader/internal/metrics"
	"github.com/pressline/uploader/internal/progress"
	"github.com/pressline/uploader/internal/store"
	"github.com/pressline/uploader/internal/tempfiles"
	"github.com/pressline/uploader/internal/transcode"
	"github.com/pressline/uploader/internal/uploadapi"
)

// Post is one caller-supplied descriptor: the target post, its authorization
// key, and a reference to the source media asset. Order in the batch slice
// defines upload priority, not concurrency grouping.
type Post struct {
	PostID   string
	Key      string
	AssetRef string
}

// Config tunes the engine's transfer behavior. Zero values select defaults.
type Config struct {
	// ChunkSize is the upload chunk size in bytes (default 1 MiB).
	ChunkSize int64
	// MaxRetries is the number of retries after the first attempt of a
	// transient chunk failure (default 3).
	MaxRetries int
	// RetryBaseDelay is the backoff before the first retry; it doubles per
	// attempt (default 500ms).
	RetryBaseDelay time.Duration
	// ChunkTimeout bounds a single chunk request (default 2 minutes).
	ChunkTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1 << 20
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = 2 * time.Minute
	}
	return c
}

// Engine is the batch orchestrator. Construct exactly one per process at the
// composition root; at most one batch session is active at a time.
type Engine struct {
	cfg      Config
	api      uploadapi.Client
	records  store.RecordStore
	resolver assets.Resolver
	coord    *transcode.Coordinator
	temps    *tempfiles.Manager
	events   Events

	mu   sync.Mutex
	sess *session
}

// NewEngine wires the engine's collaborators. A nil events sink is replaced
// with NoopEvents.
func NewEngine(cfg Config, api uploadapi.Client, records store.RecordStore, resolver assets.Resolver, coord *transcode.Coordinator, temps *tempfiles.Manager, events Events) *Engine {
	if events == nil {
		events = NoopEvents{}
	}
	return &Engine{
		cfg:      cfg.withDefaults(),
		api:      api,
		records:  records,
		resolver: resolver,
		coord:    coord,
		temps:    temps,
		events:   events,
	}
}

// IsUploading reports whether a batch session is active, including during a
// resume scan.
func (e *Engine) IsUploading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess != nil
}

// EstimateSize resolves every post's asset and returns the total source size
// in bytes. Pre-flight only; no records are created.
func (e *Engine) EstimateSize(ctx context.Context, posts []Post) (int64, error) {
	var total int64
	for _, p := range posts {
		asset, err := e.resolver.Resolve(ctx, p.AssetRef)
		if err != nil {
			return 0, &MalformedPostError{PostID: p.PostID, Reason: "unresolvable asset reference", Err: err}
		}
		total += asset.Size
	}
	return total, nil
}

// StartNewUpload accepts a batch of posts and returns immediately; all
// further signaling is via the Events sink. Fails with ErrAlreadyUploading
// if a session is already active. Malformed posts are skipped and reported
// through OnAssetComplete; the rest of the batch proceeds.
func (e *Engine) StartNewUpload(ctx context.Context, posts []Post, galleryID string) error {
	e.mu.Lock()
	if e.sess != nil {
		e.mu.Unlock()
		return ErrAlreadyUploading
	}
	sess := newSession(ctx, galleryID, progress.New(e.events.OnProgress))
	e.sess = sess
	e.mu.Unlock()

	log.Info().Str("galleryId", galleryID).Int("posts", len(posts)).Msg("Starting upload batch")

	type accepted struct {
		rec   *store.UploadRecord
		asset *assets.Asset
	}
	var work []accepted

	for _, p := range posts {
		rec, asset, err := e.acceptPost(ctx, sess, p, galleryID)
		if err != nil {
			log.Warn().Err(err).Str("postId", p.PostID).Msg("Skipping malformed post")
			sess.recordOutcome(AssetOutcome{PostID: p.PostID, AssetRef: p.AssetRef, Err: err}, outcomeFailed)
			e.events.OnAssetComplete(&PostUploadMeta{PostID: p.PostID, GalleryID: galleryID, AssetRef: p.AssetRef}, false, 0, err)
			continue
		}
		work = append(work, accepted{rec: rec, asset: asset})
	}

	for _, w := range work {
		sess.wg.Add(1)
		go func(rec *store.UploadRecord, asset *assets.Asset) {
			defer sess.wg.Done()
			e.runAsset(sess, rec, asset)
		}(w.rec, w.asset)
	}

	go e.awaitCompletion(sess)
	return nil
}

// acceptPost validates one descriptor and creates its durable record.
func (e *Engine) acceptPost(ctx context.Context, sess *session, p Post, galleryID string) (*store.UploadRecord, *assets.Asset, error) {
	if p.PostID == "" || p.Key == "" {
		return nil, nil, &MalformedPostError{PostID: p.PostID, Reason: "missing post id or key"}
	}
	asset, err := e.resolver.Resolve(ctx, p.AssetRef)
	if err != nil {
		return nil, nil, &MalformedPostError{PostID: p.PostID, Reason: "unresolvable asset reference", Err: err}
	}

	rec := &store.UploadRecord{
		GalleryID: galleryID,
		PostID:    p.PostID,
		Key:       p.Key,
		AssetRef:  p.AssetRef,
		Kind:      asset.Kind,
		MIMEType:  asset.MIMEType,
		State:     store.StateQueued,
	}
	if asset.Kind == assets.KindPhoto {
		rec.TotalBytes = asset.Size
	}
	if err := e.records.Save(ctx, rec); err != nil {
		return nil, nil, &MalformedPostError{PostID: p.PostID, Reason: "persist record", Err: err}
	}

	// Videos are initially tracked at raw source size; revised to the
	// transcoded size once known.
	sess.tracker.AddAsset(rec.PostID, asset.Kind, asset.Size)
	return rec, asset, nil
}

// runAsset drives one asset through its full pipeline: transcode (video
// only), chunked upload, digest, record deletion and temp cleanup. Every
// terminal outcome is reported exactly once via OnAssetComplete.
func (e *Engine) runAsset(sess *session, rec *store.UploadRecord, asset *assets.Asset) {
	started := time.Now()
	ctx := sess.ctx

	digest, err := e.processAsset(ctx, sess, rec, asset)
	elapsed := time.Since(started)

	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		e.abandonAsset(sess, rec, elapsed)
		return
	}

	outcome := AssetOutcome{
		PostID:        rec.PostID,
		AssetRef:      rec.AssetRef,
		IsVideo:       rec.IsVideo(),
		UploadedBytes: rec.UploadedBytes,
		Duration:      elapsed,
		Err:           err,
	}
	meta := &PostUploadMeta{
		PostID:    rec.PostID,
		GalleryID: rec.GalleryID,
		AssetRef:  rec.AssetRef,
	}

	if err != nil {
		log.Error().Err(err).Str("postId", rec.PostID).Msg("Asset reached terminal failure")
		e.failAsset(sess, rec, err)
		sess.recordOutcome(outcome, outcomeFailed)
		e.events.OnAssetComplete(meta, rec.IsVideo(), rec.TotalBytes, err)
		return
	}

	meta.Digest = digest
	if digest != nil {
		meta.MediaURL = digest.MediaURL
	}
	sess.recordOutcome(outcome, outcomeSucceeded)
	e.events.OnAssetComplete(meta, rec.IsVideo(), rec.TotalBytes, nil)
}

// processAsset is the happy path; any returned error is terminal for the
// asset (retry already happened below this level).
func (e *Engine) processAsset(ctx context.Context, sess *session, rec *store.UploadRecord, asset *assets.Asset) (*uploadapi.Digest, error) {
	uploadPath := asset.Path

	if rec.IsVideo() {
		path, err := e.transcodeVideo(ctx, sess, rec, asset)
		if err != nil {
			return nil, err
		}
		uploadPath = path
	}

	if err := e.uploadFile(ctx, sess, rec, uploadPath); err != nil {
		return nil, err
	}

	digest, err := e.finalize(ctx, rec, asset)
	if err != nil {
		return nil, err
	}

	// Record is deleted only after the digest call succeeded. The tracker
	// entry stays: a completed asset keeps contributing its full byte count
	// to the session totals.
	rec.State = store.StateCompleted
	if err := e.records.Delete(ctx, rec.GalleryID, rec.PostID); err != nil {
		log.Warn().Err(err).Str("postId", rec.PostID).Msg("Failed to delete completed record; TTL will reap it")
	}
	e.cleanupTemp(rec)
	return digest, nil
}

// transcodeVideo runs the asset through the single-session transcode
// coordinator, unless a valid transcoded file from a previous run exists.
func (e *Engine) transcodeVideo(ctx context.Context, sess *session, rec *store.UploadRecord, asset *assets.Asset) (string, error) {
	if rec.TempPath != "" {
		if info, err := os.Stat(rec.TempPath); err == nil && info.Size() > 0 {
			log.Debug().Str("postId", rec.PostID).Str("tempPath", rec.TempPath).Msg("Reusing transcoded file from previous run")
			sess.tracker.SetTranscodedSize(rec.PostID, info.Size())
			rec.TotalBytes = info.Size()
			return rec.TempPath, nil
		}
		// The transcoded file is gone, so the acknowledged bytes are gone
		// with it. The tracker forgets them too or progress over-reports.
		rec.TempPath = ""
		rec.UploadedBytes = 0
		sess.tracker.SetUploaded(rec.PostID, 0)
	}

	outputPath, err := e.temps.CreateTemp("transcode-"+rec.PostID+"-", ".mp4")
	if err != nil {
		return "", &TranscodeError{AssetRef: rec.AssetRef, Err: err}
	}

	rec.State = store.StateTranscoding
	if err := e.records.Save(ctx, rec); err != nil {
		return "", fmt.Errorf("persist record: %w", err)
	}

	res := e.coord.Export(ctx, asset, outputPath, func(fraction float64) {
		sess.tracker.TranscodeProgress(rec.PostID, fraction)
	})
	if res.Err != nil {
		e.temps.Remove(outputPath)
		if errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded) {
			return "", res.Err
		}
		return "", &TranscodeError{AssetRef: rec.AssetRef, Err: res.Err}
	}

	rec.TempPath = res.OutputPath
	rec.TotalBytes = res.Size
	rec.MIMEType = "video/mp4"
	rec.State = store.StateTranscoded
	if err := e.records.Save(ctx, rec); err != nil {
		return "", fmt.Errorf("persist record: %w", err)
	}

	sess.tracker.SetTranscodedSize(rec.PostID, res.Size)
	return res.OutputPath, nil
}

// failAsset persists the terminal failure; the record stays in the store so
// its acknowledged-bytes offset survives, but the temp file is removed.
func (e *Engine) failAsset(sess *session, rec *store.UploadRecord, cause error) {
	rec.State = store.StateFailed
	rec.Error = cause.Error()
	// Persist with a fresh context; the session context may be the cause.
	if err := e.records.Save(context.Background(), rec); err != nil {
		log.Warn().Err(err).Str("postId", rec.PostID).Msg("Failed to persist terminal failure state")
	}
	e.cleanupTemp(rec)
	sess.tracker.RemoveAsset(rec.PostID)
}

// abandonAsset handles caller cancellation: the record is marked abandoned
// and kept resumable; no per-asset completion callback fires. The temp file
// is kept too, so resume can continue the same transcoded bytes at the
// acknowledged offset instead of re-transcoding.
func (e *Engine) abandonAsset(sess *session, rec *store.UploadRecord, elapsed time.Duration) {
	log.Info().Str("postId", rec.PostID).Msg("Abandoning asset after cancellation")
	rec.State = store.StateAbandoned
	if err := e.records.Save(context.Background(), rec); err != nil {
		log.Warn().Err(err).Str("postId", rec.PostID).Msg("Failed to persist abandoned state")
	}
	sess.recordOutcome(AssetOutcome{
		PostID:        rec.PostID,
		AssetRef:      rec.AssetRef,
		IsVideo:       rec.IsVideo(),
		UploadedBytes: rec.UploadedBytes,
		Duration:      elapsed,
		Err:           context.Canceled,
	}, outcomeAbandoned)
}

func (e *Engine) cleanupTemp(rec *store.UploadRecord) {
	if rec.TempPath != "" {
		e.temps.Remove(rec.TempPath)
	}
}

// awaitCompletion fires the batch summary exactly once, after the last asset
// goroutine finishes, then releases the session slot.
func (e *Engine) awaitCompletion(sess *session) {
	sess.wg.Wait()

	cancelled := sess.ctx.Err() != nil
	sess.cancel()

	summary := sess.summary(cancelled)

	e.mu.Lock()
	e.sess = nil
	e.mu.Unlock()

	log.Info().
		Str("galleryId", summary.GalleryID).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("abandoned", summary.Abandoned).
		Int64("uploadedBytes", summary.UploadedBytes).
		Msg("Upload batch finished")

	metrics.New().
		Dimension("Component", "engine").
		Metric("UploadBatchMs", float64(summary.FinishedAt.Sub(summary.StartedAt).Milliseconds()), metrics.UnitMilliseconds).
		Metric("UploadedBytes", float64(summary.UploadedBytes), metrics.UnitBytes).
		Metric("ThroughputBps", summary.ThroughputBps, metrics.UnitBytesPerSecond).
		Metric("AssetsFailed", float64(summary.Failed), metrics.UnitCount).
		Count("BatchCompleted").
		Property("galleryId", summary.GalleryID).
		Flush()

	e.events.OnBatchComplete(summary)
}

// Cancel halts the active batch: not-yet-started chunks are abandoned at the
// next chunk boundary and remaining records stay resumable. No-op when no
// session is active.
func (e *Engine) Cancel() {
	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()
	if sess != nil {
		sess.cancel()
	}
}

// CheckCachedUploads scans the durable store for incomplete uploads. If any
// exist, a batch session is reconstructed and each record resumes at its
// last known stage. With nothing to resume it falls through to
// ClearCachedUploads, purging stale temp files.
func (e *Engine) CheckCachedUploads(ctx context.Context) error {
	e.mu.Lock()
	if e.sess != nil {
		e.mu.Unlock()
		return ErrAlreadyUploading
	}
	// Hold the session slot during the scan so IsUploading reflects it.
	sess := newSession(ctx, "", progress.New(e.events.OnProgress))
	e.sess = sess
	e.mu.Unlock()

	release := func() {
		sess.cancel()
		e.mu.Lock()
		e.sess = nil
		e.mu.Unlock()
	}

	records, err := e.records.FetchIncomplete(ctx)
	if err != nil {
		release()
		return fmt.Errorf("fetch incomplete records: %w", err)
	}
	if len(records) == 0 {
		release()
		log.Debug().Msg("No cached uploads; purging orphaned temp files")
		return e.ClearCachedUploads(ctx)
	}

	sess.galleryID = records[0].GalleryID
	log.Info().Int("records", len(records)).Str("galleryId", sess.galleryID).Msg("Resuming cached uploads")

	var work []*store.UploadRecord
	for _, rec := range records {
		asset, err := e.resolver.Resolve(ctx, rec.AssetRef)
		if err != nil {
			merr := &MalformedPostError{PostID: rec.PostID, Reason: "cached asset no longer resolvable", Err: err}
			log.Warn().Err(merr).Str("postId", rec.PostID).Msg("Dropping unresumable record")
			sess.recordOutcome(AssetOutcome{PostID: rec.PostID, AssetRef: rec.AssetRef, Err: merr}, outcomeFailed)
			e.failAsset(sess, rec, merr)
			e.events.OnAssetComplete(&PostUploadMeta{PostID: rec.PostID, GalleryID: rec.GalleryID, AssetRef: rec.AssetRef}, rec.IsVideo(), 0, merr)
			continue
		}

		size := rec.TotalBytes
		if size == 0 {
			size = asset.Size
		}
		sess.tracker.AddAsset(rec.PostID, rec.Kind, size)
		if rec.UploadedBytes > 0 {
			sess.tracker.SetUploaded(rec.PostID, rec.UploadedBytes)
		}
		work = append(work, rec)

		sess.wg.Add(1)
		go func(rec *store.UploadRecord, asset *assets.Asset) {
			defer sess.wg.Done()
			e.runAsset(sess, rec, asset)
		}(rec, asset)
	}

	if len(work) == 0 {
		release()
		e.events.OnBatchComplete(sess.summary(false))
		return nil
	}

	go e.awaitCompletion(sess)
	return nil
}

// ClearCachedUploads deletes any remaining incomplete records and removes
// every temporary file in the sandbox that no durable record references.
func (e *Engine) ClearCachedUploads(ctx context.Context) error {
	records, err := e.records.FetchIncomplete(ctx)
	if err != nil {
		return fmt.Errorf("fetch incomplete records: %w", err)
	}
	for _, rec := range records {
		if err := e.records.Delete(ctx, rec.GalleryID, rec.PostID); err != nil {
			return fmt.Errorf("delete record %s: %w", rec.PostID, err)
		}
	}

	removed, err := e.temps.PurgeOrphaned(map[string]bool{})
	if err != nil {
		return fmt.Errorf("purge temp files: %w", err)
	}
	log.Info().Int("recordsDeleted", len(records)).Int("tempFilesRemoved", removed).Msg("Cleared cached uploads")
	return nil
}
