package assets

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		ext  string
		mime string
		kind Kind
	}{
		{".jpg", "image/jpeg", KindPhoto},
		{".png", "image/png", KindPhoto},
		{".heic", "image/heic", KindPhoto},
		{".mp4", "video/mp4", KindVideo},
		{".mov", "video/quicktime", KindVideo},
	}

	for _, tt := range tests {
		mime, kind, err := classify(tt.ext)
		if err != nil {
			t.Errorf("classify(%q) returned error: %v", tt.ext, err)
			continue
		}
		if mime != tt.mime || kind != tt.kind {
			t.Errorf("classify(%q) = (%q, %q), want (%q, %q)", tt.ext, mime, kind, tt.mime, tt.kind)
		}
	}
}

func TestClassify_Unsupported(t *testing.T) {
	if _, _, err := classify(".txt"); err == nil {
		t.Error("expected error for unsupported extension")
	}
}

func TestResolve_NotFound(t *testing.T) {
	_, err := FileResolver{}.Resolve(context.Background(), "/nonexistent/photo.jpg")
	if err == nil {
		t.Fatal("expected error for missing asset")
	}
}

func TestResolve_Directory(t *testing.T) {
	_, err := FileResolver{}.Resolve(context.Background(), t.TempDir())
	if err == nil {
		t.Fatal("expected error for directory reference")
	}
}

func TestResolve_Photo(t *testing.T) {
	path := writeTestJPEG(t, 64, 48)

	asset, err := FileResolver{}.Resolve(context.Background(), path)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if asset.Kind != KindPhoto {
		t.Errorf("kind = %q, want %q", asset.Kind, KindPhoto)
	}
	if asset.MIMEType != "image/jpeg" {
		t.Errorf("mime = %q, want image/jpeg", asset.MIMEType)
	}
	if asset.Size <= 0 {
		t.Errorf("size = %d, want > 0", asset.Size)
	}
	if asset.Width != 64 || asset.Height != 48 {
		t.Errorf("dimensions = %dx%d, want 64x48", asset.Width, asset.Height)
	}
}

func TestThumbnail_DownscalesLargeImage(t *testing.T) {
	path := writeTestJPEG(t, 1200, 600)
	asset := &Asset{Path: path, Kind: KindPhoto, MIMEType: "image/jpeg"}

	data, mime, err := Thumbnail(asset, 300)
	if err != nil {
		t.Fatalf("Thumbnail failed: %v", err)
	}
	if mime != "image/jpeg" {
		t.Errorf("mime = %q, want image/jpeg", mime)
	}

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to decode thumbnail: %v", err)
	}
	if cfg.Width != 300 || cfg.Height != 150 {
		t.Errorf("thumbnail dimensions = %dx%d, want 300x150", cfg.Width, cfg.Height)
	}
}

func TestThumbnail_SkipsUnsupportedFormat(t *testing.T) {
	asset := &Asset{Path: "photo.heic"}
	data, mime, err := Thumbnail(asset, 300)
	if err != nil {
		t.Fatalf("expected no error for skipped format, got %v", err)
	}
	if data != nil || mime != "" {
		t.Errorf("expected empty preview, got %d bytes mime %q", len(data), mime)
	}
}

func TestScaledDimensions(t *testing.T) {
	tests := []struct {
		w, h, max    int
		wantW, wantH int
	}{
		{100, 50, 200, 100, 50},    // already fits, no upscale
		{1000, 500, 500, 500, 250}, // landscape downscale
		{500, 1000, 500, 250, 500}, // portrait downscale
		{512, 512, 256, 256, 256},  // square downscale
	}
	for _, tt := range tests {
		w, h := scaledDimensions(tt.w, tt.h, tt.max)
		if w != tt.wantW || h != tt.wantH {
			t.Errorf("scaledDimensions(%d, %d, %d) = (%d, %d), want (%d, %d)",
				tt.w, tt.h, tt.max, w, h, tt.wantW, tt.wantH)
		}
	}
}

func TestParseFrameRate(t *testing.T) {
	if got := parseFrameRate("30000/1001"); got < 29.9 || got > 30.0 {
		t.Errorf("parseFrameRate(30000/1001) = %f, want ~29.97", got)
	}
	if got := parseFrameRate("garbage"); got != 0 {
		t.Errorf("parseFrameRate(garbage) = %f, want 0", got)
	}
	if got := parseFrameRate("1/0"); got != 0 {
		t.Errorf("parseFrameRate(1/0) = %f, want 0", got)
	}
}

// writeTestJPEG writes a solid-color JPEG of the given dimensions to a temp
// dir and returns its path.
func writeTestJPEG(t *testing.T, width, height int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	path := filepath.Join(t.TempDir(), "test.jpg")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create test image: %v", err)
	}
	defer f.Close()
	if err := jpeg.Encode(f, img, nil); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return path
}
