package progress

import (
	"testing"
	"time"

	"github.com/pressline/uploader/internal/assets"
)

func TestAccountedNeverExceedsTotal(t *testing.T) {
	tr := New(nil)
	tr.AddAsset("photo", assets.KindPhoto, 1000)
	tr.AddAsset("video", assets.KindVideo, 5000)

	tr.TranscodeProgress("video", 1.0)
	tr.UploadDelta("photo", 1000)
	tr.UploadDelta("photo", 500) // over-report; must clamp

	total, accounted := tr.Totals()
	if accounted > total {
		t.Errorf("accounted %d exceeds total %d", accounted, total)
	}

	tr.SetTranscodedSize("video", 2000)
	tr.UploadDelta("video", 2000)

	total, accounted = tr.Totals()
	if accounted > total {
		t.Errorf("after transcode revision: accounted %d exceeds total %d", accounted, total)
	}
	if total != 3000 || accounted != 3000 {
		t.Errorf("final totals = %d/%d, want 3000/3000", accounted, total)
	}
}

func TestEmittedFractionNeverDecreases(t *testing.T) {
	var emitted []float64
	tr := New(func(fraction, _ float64) {
		emitted = append(emitted, fraction)
	})

	tr.AddAsset("photo", assets.KindPhoto, 1_000_000)
	tr.AddAsset("video", assets.KindVideo, 5_000_000)

	// Phase 1: video counted at its raw-size estimate.
	if total, _ := tr.Totals(); total != 6_000_000 {
		t.Fatalf("pre-transcode total = %d, want 6000000", total)
	}

	tr.UploadDelta("photo", 1_000_000)
	tr.TranscodeProgress("video", 0.5)
	tr.TranscodeProgress("video", 1.0)

	// Phase 2: transcoded size known, total revised downward.
	tr.SetTranscodedSize("video", 2_000_000)
	if total, _ := tr.Totals(); total != 3_000_000 {
		t.Fatalf("post-transcode total = %d, want 3000000", total)
	}

	for sent := int64(0); sent < 2_000_000; sent += 250_000 {
		tr.UploadDelta("video", 250_000)
	}

	for i := 1; i < len(emitted); i++ {
		if emitted[i] < emitted[i-1] {
			t.Fatalf("emitted fraction decreased: %f -> %f at sample %d", emitted[i-1], emitted[i], i)
		}
	}
	if len(emitted) == 0 {
		t.Fatal("no progress emitted")
	}
	if final := emitted[len(emitted)-1]; final != 1.0 {
		t.Errorf("final emitted fraction = %f, want 1.0", final)
	}
}

func TestTranscodeCreditIsWeighted(t *testing.T) {
	tr := New(nil)
	tr.AddAsset("video", assets.KindVideo, 4000)

	tr.TranscodeProgress("video", 0.5)
	_, accounted := tr.Totals()
	want := int64(0.5 * TranscodeWeight * 4000)
	if accounted != want {
		t.Errorf("transcode credit = %d, want %d", accounted, want)
	}

	// Regressing samples must not reduce the credit.
	tr.TranscodeProgress("video", 0.1)
	if _, got := tr.Totals(); got != want {
		t.Errorf("credit after regressing sample = %d, want %d", got, want)
	}
}

func TestSmallDeltasAreCoalesced(t *testing.T) {
	var emits int
	tr := New(func(_, _ float64) { emits++ })
	tr.AddAsset("photo", assets.KindPhoto, 1_000_000)

	// 0.1% per delta: far below MinEmitDelta, so emissions must be rare.
	for i := 0; i < 20; i++ {
		tr.UploadDelta("photo", 1000)
	}
	if emits > 2 {
		t.Errorf("emitted %d times for 2%% of progress, want coalescing", emits)
	}
}

func TestRemoveAssetAllowsCompletion(t *testing.T) {
	tr := New(nil)
	tr.AddAsset("photo", assets.KindPhoto, 1000)
	tr.AddAsset("video", assets.KindVideo, 5000)

	tr.UploadDelta("photo", 1000)
	tr.RemoveAsset("video") // terminal transcode failure

	total, accounted := tr.Totals()
	if total != 1000 || accounted != 1000 {
		t.Errorf("totals after removal = %d/%d, want 1000/1000", accounted, total)
	}
	if f := tr.Fraction(); f != 1.0 {
		t.Errorf("fraction = %f, want 1.0", f)
	}
}

func TestKindTotals(t *testing.T) {
	tr := New(nil)
	tr.AddAsset("a", assets.KindPhoto, 100)
	tr.AddAsset("b", assets.KindPhoto, 200)
	tr.AddAsset("c", assets.KindVideo, 700)

	video, image := tr.KindTotals()
	if video != 700 || image != 300 {
		t.Errorf("kind totals = video %d image %d, want 700/300", video, image)
	}
}

func TestThroughputEstimate(t *testing.T) {
	tr := New(nil)
	tr.AddAsset("photo", assets.KindPhoto, 10_000_000)

	clock := time.Unix(1000, 0)
	tr.now = func() time.Time { return clock }

	tr.UploadDelta("photo", 500_000) // establishes the sample baseline
	clock = clock.Add(time.Second)
	tr.UploadDelta("photo", 500_000) // 500 KB over 1s

	got := tr.Throughput()
	want := throughputAlpha * 500_000
	if got < want-1 || got > want+1 {
		t.Errorf("throughput = %f, want ~%f", got, want)
	}
}

func TestResumeSeedsUploadedBytes(t *testing.T) {
	tr := New(nil)
	tr.AddAsset("photo", assets.KindPhoto, 1000)
	tr.SetUploaded("photo", 400)

	_, accounted := tr.Totals()
	if accounted != 400 {
		t.Errorf("accounted after seed = %d, want 400", accounted)
	}
}
