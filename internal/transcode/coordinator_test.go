package transcode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pressline/uploader/internal/assets"
)

// fakeExporter records concurrency and order, writing a small output file
// on success.
type fakeExporter struct {
	active    atomic.Int32
	maxActive atomic.Int32
	delay     time.Duration
	failRefs  map[string]bool

	mu    sync.Mutex
	order []string
}

func (f *fakeExporter) Export(ctx context.Context, asset *assets.Asset, outputPath string, onProgress func(float64)) error {
	cur := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		prev := f.maxActive.Load()
		if cur <= prev || f.maxActive.CompareAndSwap(prev, cur) {
			break
		}
	}

	f.mu.Lock()
	f.order = append(f.order, asset.Ref)
	f.mu.Unlock()

	if onProgress != nil {
		onProgress(0.5)
		onProgress(1.0)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.failRefs[asset.Ref] {
		return errors.New("codec exploded")
	}
	return os.WriteFile(outputPath, []byte("transcoded"), 0o644)
}

func TestExport_SingleActiveSession(t *testing.T) {
	exporter := &fakeExporter{delay: 10 * time.Millisecond}
	coord := NewCoordinator(exporter)
	defer coord.Close()

	dir := t.TempDir()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			asset := &assets.Asset{Ref: filepath.Join("ref", string(rune('a'+i)))}
			out := filepath.Join(dir, string(rune('a'+i))+".mp4")
			res := coord.Export(context.Background(), asset, out, nil)
			if res.Err != nil {
				t.Errorf("export %d failed: %v", i, res.Err)
			}
		}(i)
	}
	wg.Wait()

	if max := exporter.maxActive.Load(); max != 1 {
		t.Errorf("max concurrent transcode sessions = %d, want 1", max)
	}
}

func TestExport_SuccessReportsSizeAndReleasesState(t *testing.T) {
	coord := NewCoordinator(&fakeExporter{})
	defer coord.Close()

	asset := &assets.Asset{Ref: "/media/clip.mov"}
	out := filepath.Join(t.TempDir(), "clip.mp4")
	res := coord.Export(context.Background(), asset, out, nil)
	if res.Err != nil {
		t.Fatalf("Export failed: %v", res.Err)
	}
	if res.Size != int64(len("transcoded")) {
		t.Errorf("size = %d", res.Size)
	}
	if got := coord.State(asset.Ref); got != StateNone {
		t.Errorf("state after delivery = %q, want released", got)
	}
}

func TestExport_FailureReleasesState(t *testing.T) {
	coord := NewCoordinator(&fakeExporter{failRefs: map[string]bool{"/media/bad.mov": true}})
	defer coord.Close()

	asset := &assets.Asset{Ref: "/media/bad.mov"}
	res := coord.Export(context.Background(), asset, filepath.Join(t.TempDir(), "bad.mp4"), nil)
	if res.Err == nil {
		t.Fatal("expected export failure")
	}
	if got := coord.State(asset.Ref); got != StateNone {
		t.Errorf("state after delivery = %q, want released", got)
	}
}

func TestExport_StateMapStaysBounded(t *testing.T) {
	coord := NewCoordinator(&fakeExporter{failRefs: map[string]bool{"/media/bad.mov": true}})
	defer coord.Close()

	dir := t.TempDir()
	for i := 0; i < 20; i++ {
		ref := filepath.Join("/media", string(rune('a'+i))+".mov")
		coord.Export(context.Background(), &assets.Asset{Ref: ref}, filepath.Join(dir, string(rune('a'+i))+".mp4"), nil)
	}
	coord.Export(context.Background(), &assets.Asset{Ref: "/media/bad.mov"}, filepath.Join(dir, "bad.mp4"), nil)

	coord.mu.Lock()
	n := len(coord.states)
	coord.mu.Unlock()
	if n != 0 {
		t.Errorf("retained %d state entries after all results delivered, want 0", n)
	}
}

func TestExport_ProgressForwarded(t *testing.T) {
	coord := NewCoordinator(&fakeExporter{})
	defer coord.Close()

	var samples []float64
	var mu sync.Mutex
	asset := &assets.Asset{Ref: "/media/clip.mov"}
	res := coord.Export(context.Background(), asset, filepath.Join(t.TempDir(), "c.mp4"), func(f float64) {
		mu.Lock()
		samples = append(samples, f)
		mu.Unlock()
	})
	if res.Err != nil {
		t.Fatalf("Export failed: %v", res.Err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(samples) != 2 || samples[0] != 0.5 || samples[1] != 1.0 {
		t.Errorf("progress samples = %v, want [0.5 1.0]", samples)
	}
}

func TestExport_CancelledContext(t *testing.T) {
	coord := NewCoordinator(&fakeExporter{})
	defer coord.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := coord.Export(ctx, &assets.Asset{Ref: "/media/c.mov"}, filepath.Join(t.TempDir(), "c.mp4"), nil)
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", res.Err)
	}
}
