// Package report writes zstd-compressed JSON summaries of completed upload
// batches. Reports are small structured artifacts suitable for archival or
// later ingestion; zstd keeps them cheap to retain.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

// AssetResult records the outcome of a single post within a batch.
type AssetResult struct {
	PostID        string        `json:"postId"`
	AssetRef      string        `json:"assetRef"`
	Kind          string        `json:"kind"`
	UploadedBytes int64         `json:"uploadedBytes"`
	Duration      time.Duration `json:"durationNs"`
	Error         string        `json:"error,omitempty"`
}

// BatchReport is the serialized summary of one upload batch.
type BatchReport struct {
	GalleryID     string        `json:"galleryId"`
	StartedAt     time.Time     `json:"startedAt"`
	FinishedAt    time.Time     `json:"finishedAt"`
	TotalBytes    int64         `json:"totalBytes"`
	UploadedBytes int64         `json:"uploadedBytes"`
	ThroughputBps float64       `json:"throughputBps"`
	Succeeded     int           `json:"succeeded"`
	Failed        int           `json:"failed"`
	Assets        []AssetResult `json:"assets"`
}

// Write serializes the report as zstd-compressed JSON into dir. The file name
// is derived from the gallery ID and finish time. Returns the written path.
func Write(dir string, rep *BatchReport) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report directory: %w", err)
	}

	name := fmt.Sprintf("upload-%s-%s.json.zst", rep.GalleryID, rep.FinishedAt.UTC().Format("20060102T150405"))
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create report file: %w", err)
	}
	defer f.Close()

	// Level 12 maps to SpeedBestCompression in klauspost/compress. Reports are
	// tiny, so the extra CPU is negligible.
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(12)))
	if err != nil {
		return "", fmt.Errorf("create zstd encoder: %w", err)
	}

	if err := json.NewEncoder(enc).Encode(rep); err != nil {
		enc.Close()
		return "", fmt.Errorf("encode report: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("finalize zstd stream: %w", err)
	}
	return path, nil
}

// Read loads a zstd-compressed report written by Write.
func Read(path string) (*BatchReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open report file: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	var rep BatchReport
	if err := json.NewDecoder(dec.IOReadCloser()).Decode(&rep); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &rep, nil
}
