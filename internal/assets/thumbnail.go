package assets

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
)

// DefaultThumbnailMaxDimension is the maximum dimension (width or height) for
// digest preview thumbnails.
const DefaultThumbnailMaxDimension = 512

// thumbnailJPEGQuality is the JPEG encoder quality for generated previews.
const thumbnailJPEGQuality = 80

// Thumbnail creates a low-resolution JPEG preview of an asset, suitable for
// attaching to the post-creation digest. Returns the preview bytes and MIME
// type.
//
// Strategy:
//   - JPEG/PNG: Resize using pure Go (golang.org/x/image/draw)
//   - Video (MP4/MOV/AVI/WebM/MKV): Extract frame at 1s using ffmpeg
//   - Other formats: no preview (nil bytes, no error)
func Thumbnail(asset *Asset, maxDimension int) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(asset.Path))

	switch ext {
	case ".jpg", ".jpeg", ".png":
		return thumbnailPureGo(asset.Path, ext, maxDimension)
	case ".mp4", ".mov", ".avi", ".webm", ".mkv":
		return thumbnailVideo(asset.Path, maxDimension)
	default:
		log.Debug().Str("path", asset.Path).Str("ext", ext).Msg("No thumbnail strategy for format, skipping preview")
		return nil, "", nil
	}
}

// thumbnailPureGo decodes, downscales, and re-encodes an image as JPEG.
func thumbnailPureGo(filePath, ext string, maxDimension int) ([]byte, string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	var img image.Image
	switch ext {
	case ".jpg", ".jpeg":
		img, err = jpeg.Decode(f)
	case ".png":
		img, err = png.Decode(f)
	default:
		return nil, "", fmt.Errorf("unsupported format: %s", ext)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	newWidth, newHeight := scaledDimensions(bounds.Dx(), bounds.Dy(), maxDimension)

	if newWidth != bounds.Dx() || newHeight != bounds.Dy() {
		scaled := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), img, bounds, draw.Over, nil)
		img = scaled
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: thumbnailJPEGQuality}); err != nil {
		return nil, "", fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}

// thumbnailVideo extracts a frame from a video at the 1-second mark using
// ffmpeg and downscales it. Seeking to 1s avoids black or blank first frames.
func thumbnailVideo(videoPath string, maxDimension int) ([]byte, string, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, "", fmt.Errorf("ffmpeg not found: video thumbnail generation requires ffmpeg")
	}

	tmpFile, err := os.CreateTemp("", "vthumb-*.jpg")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	// scale filter: downscale only if larger, preserve aspect ratio, even height
	vf := fmt.Sprintf("scale='min(%d,iw)':-2", maxDimension)
	cmd := exec.Command(ffmpegPath,
		"-i", videoPath,
		"-ss", "1",
		"-vframes", "1",
		"-vf", vf,
		"-f", "image2",
		"-y", tmpPath,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, "", fmt.Errorf("ffmpeg frame extraction failed: %w\nOutput: %s", err, string(output))
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read extracted frame: %w", err)
	}
	return data, "image/jpeg", nil
}

// scaledDimensions computes target dimensions that fit within maxDimension
// while preserving aspect ratio. Never upscales.
func scaledDimensions(width, height, maxDimension int) (int, int) {
	if width <= maxDimension && height <= maxDimension {
		return width, height
	}
	if width >= height {
		return maxDimension, height * maxDimension / width
	}
	return width * maxDimension / height, maxDimension
}
