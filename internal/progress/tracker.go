// Package progress aggregates per-asset, per-stage progress samples into a
// single monotonic overall-progress value and a throughput estimate.
//
// Photos contribute bytes as chunks are acknowledged. Videos are counted at
// their raw source size (an upper-bound estimate) until transcoding
// finishes; while transcoding, fractional progress earns a transient
// bytes-accounted credit so the overall value keeps moving during the
// pre-upload stage. When the transcoded size becomes known the video's
// total is revised downward and the credit dropped — the emitted fraction
// still never decreases because emission is clamped to the highest value
// reported so far.
package progress

import (
	"sync"
	"time"

	"github.com/pressline/uploader/internal/assets"
)

const (
	// TranscodeWeight is the share of an asset's byte budget that
	// transcoding progress may account for before upload begins.
	TranscodeWeight = 0.25

	// MinEmitDelta is the smallest fraction increase worth reporting.
	// Prevents callback flooding from small chunk acknowledgements.
	MinEmitDelta = 0.01

	// throughputAlpha is the EWMA smoothing factor for the upload speed
	// estimate.
	throughputAlpha = 0.3
)

// entry tracks one asset's contribution to the session totals.
type entry struct {
	kind     assets.Kind
	total    int64
	uploaded int64
	credit   int64
}

// accounted returns the asset's confirmed-plus-credited bytes, never
// exceeding its total.
func (e *entry) accounted() int64 {
	n := e.uploaded + e.credit
	if n > e.total {
		return e.total
	}
	return n
}

// Tracker aggregates progress for one batch session. All mutations funnel
// through a single mutex so concurrent worker callbacks cannot lose
// updates. The progress callback is invoked outside the lock.
type Tracker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	lastProgress float64
	throughput   float64
	lastSample   time.Time

	onProgress func(fraction, bytesPerSecond float64)

	// now is a clock hook for tests.
	now func() time.Time
}

// New creates a Tracker. onProgress may be nil; when set it receives the
// monotone overall fraction and the current throughput estimate in
// bytes/second whenever progress advances by at least MinEmitDelta.
func New(onProgress func(fraction, bytesPerSecond float64)) *Tracker {
	return &Tracker{
		entries:    make(map[string]*entry),
		onProgress: onProgress,
		now:        time.Now,
	}
}

// AddAsset registers an asset with its currently known size. For videos
// this is the raw source size until SetTranscodedSize revises it.
func (t *Tracker) AddAsset(id string, kind assets.Kind, size int64) {
	t.mu.Lock()
	t.entries[id] = &entry{kind: kind, total: size}
	t.mu.Unlock()
}

// SetUploaded seeds an asset's confirmed byte count. Used when resuming a
// record that already has acknowledged bytes, so resumed work is not
// re-counted.
func (t *Tracker) SetUploaded(id string, n int64) {
	t.mu.Lock()
	if e, ok := t.entries[id]; ok {
		e.uploaded = n
	}
	t.mu.Unlock()
}

// TranscodeProgress records a fractional transcoding sample for a video.
// The earned credit only ever grows; regressing samples are ignored.
func (t *Tracker) TranscodeProgress(id string, fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		credit := int64(fraction * TranscodeWeight * float64(e.total))
		if credit > e.credit {
			e.credit = credit
		}
	}
	emit := t.advanceLocked()
	t.mu.Unlock()
	t.report(emit)
}

// SetTranscodedSize revises a video's total to the actual transcoded size
// and drops its transcode credit; from here on only uploaded bytes count.
func (t *Tracker) SetTranscodedSize(id string, size int64) {
	t.mu.Lock()
	if e, ok := t.entries[id]; ok {
		e.total = size
		e.credit = 0
	}
	t.mu.Unlock()
}

// UploadDelta records n freshly acknowledged upload bytes for an asset and
// refreshes the throughput estimate.
func (t *Tracker) UploadDelta(id string, n int64) {
	now := t.now()

	t.mu.Lock()
	if e, ok := t.entries[id]; ok {
		e.uploaded += n
		if e.uploaded > e.total {
			e.uploaded = e.total
		}
	}
	if !t.lastSample.IsZero() {
		if elapsed := now.Sub(t.lastSample).Seconds(); elapsed > 0 {
			instant := float64(n) / elapsed
			t.throughput = throughputAlpha*instant + (1-throughputAlpha)*t.throughput
		}
	}
	t.lastSample = now
	emit := t.advanceLocked()
	t.mu.Unlock()
	t.report(emit)
}

// RemoveAsset drops an asset from the session accounting. Called when an
// asset fails terminally so the batch can still reach completion.
func (t *Tracker) RemoveAsset(id string) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// Fraction returns the monotone overall fraction in [0, 1].
func (t *Tracker) Fraction() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	raw := t.rawFractionLocked()
	if raw < t.lastProgress {
		return t.lastProgress
	}
	return raw
}

// Throughput returns the current upload speed estimate in bytes/second.
func (t *Tracker) Throughput() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.throughput
}

// Totals returns the session byte totals: the sum of known asset sizes and
// the bytes accounted toward them.
func (t *Tracker) Totals() (total, accounted int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		total += e.total
		accounted += e.accounted()
	}
	return total, accounted
}

// KindTotals returns the session totals split by media kind.
func (t *Tracker) KindTotals() (videoBytes, imageBytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.kind == assets.KindVideo {
			videoBytes += e.total
		} else {
			imageBytes += e.total
		}
	}
	return videoBytes, imageBytes
}

// rawFractionLocked computes accounted/total clamped to [0, 1].
func (t *Tracker) rawFractionLocked() float64 {
	var total, accounted int64
	for _, e := range t.entries {
		total += e.total
		accounted += e.accounted()
	}
	if total == 0 {
		return 0
	}
	f := float64(accounted) / float64(total)
	if f > 1 {
		return 1
	}
	return f
}

// advanceLocked decides whether the fraction moved enough to report and, if
// so, records the new high-water mark. Returns a negative fraction when
// nothing should be emitted.
func (t *Tracker) advanceLocked() float64 {
	raw := t.rawFractionLocked()
	crossedDone := raw >= 1 && t.lastProgress < 1
	if raw > t.lastProgress+MinEmitDelta || crossedDone {
		t.lastProgress = raw
		return raw
	}
	return -1
}

// report invokes the progress callback outside the tracker lock.
func (t *Tracker) report(fraction float64) {
	if fraction < 0 || t.onProgress == nil {
		return
	}
	t.onProgress(fraction, t.Throughput())
}
