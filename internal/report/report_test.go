package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func sampleReport() *BatchReport {
	started := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	return &BatchReport{
		GalleryID:     "gal-abc123",
		StartedAt:     started,
		FinishedAt:    started.Add(42 * time.Second),
		TotalBytes:    3000000,
		UploadedBytes: 3000000,
		ThroughputBps: 71428.5,
		Succeeded:     2,
		Failed:        0,
		Assets: []AssetResult{
			{PostID: "post-1", AssetRef: "photo.jpg", Kind: "photo", UploadedBytes: 1000000},
			{PostID: "post-2", AssetRef: "clip.mov", Kind: "video", UploadedBytes: 2000000},
		},
	}
}

func TestWriteRead_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	rep := sampleReport()

	path, err := Write(dir, rep)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !strings.HasSuffix(path, ".json.zst") {
		t.Errorf("expected .json.zst suffix, got %s", path)
	}
	if !strings.Contains(filepath.Base(path), rep.GalleryID) {
		t.Errorf("expected gallery ID in file name, got %s", filepath.Base(path))
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.GalleryID != rep.GalleryID {
		t.Errorf("GalleryID = %s, want %s", got.GalleryID, rep.GalleryID)
	}
	if got.UploadedBytes != 3000000 {
		t.Errorf("UploadedBytes = %d, want 3000000", got.UploadedBytes)
	}
	if len(got.Assets) != 2 {
		t.Fatalf("expected 2 asset results, got %d", len(got.Assets))
	}
	if got.Assets[1].Kind != "video" || got.Assets[1].UploadedBytes != 2000000 {
		t.Errorf("unexpected second asset: %+v", got.Assets[1])
	}
}

func TestWrite_Compressed(t *testing.T) {
	dir := t.TempDir()
	rep := sampleReport()
	// Pad with repetitive results so compression has something to chew on.
	for i := 0; i < 200; i++ {
		rep.Assets = append(rep.Assets, AssetResult{
			PostID: "post-padding", AssetRef: "padding.jpg", Kind: "photo", UploadedBytes: 1000000,
		})
	}

	path, err := Write(dir, rep)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	// 202 asset entries of ~90 JSON bytes each; zstd should shrink well below raw size.
	if info.Size() > 4096 {
		t.Errorf("report file %d bytes, expected strong compression of repetitive JSON", info.Size())
	}
}

func TestRead_MissingFile(t *testing.T) {
	if _, err := Read(filepath.Join(t.TempDir(), "nope.json.zst")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
