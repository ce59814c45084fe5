// Package assets resolves local media references into upload-ready assets.
//
// This package implements the Split-Provider Model for metadata extraction:
//   - Images (JPEG, PNG, HEIC, etc.): Pure Go using evanoberholster/imagemeta
//   - Videos (MP4, MOV, MKV, etc.): External tool using ffprobe
package assets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Kind classifies an asset as a photo or a video.
type Kind string

const (
	KindPhoto Kind = "photo"
	KindVideo Kind = "video"
)

// SupportedImageExtensions defines the file extensions that are supported for photo upload.
var SupportedImageExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".heic": "image/heic",
	".heif": "image/heif",
}

// SupportedVideoExtensions defines the file extensions that are supported for video upload.
var SupportedVideoExtensions = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
}

// Asset is a resolved local media item eligible for upload.
type Asset struct {
	// Ref is the caller-supplied asset reference (a local file path).
	Ref      string
	Path     string
	Kind     Kind
	MIMEType string
	Size     int64

	// Dimensions, when they could be determined.
	Width  int
	Height int

	// Capture time from EXIF or container metadata, zero if unavailable.
	TakenAt time.Time

	// Video-only fields, populated by ffprobe.
	Duration  time.Duration
	FrameRate float64
	AudioRate int
	BitRate   int64
}

// Resolver resolves an asset reference into size, kind, and a byte source.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (*Asset, error)
}

// FileResolver resolves asset references as local filesystem paths.
type FileResolver struct{}

// Resolve stats the referenced file, determines its media kind from the
// extension, and extracts dimensions and capture metadata. Metadata
// extraction failures are logged but not fatal; size and kind alone are
// enough to upload.
func (FileResolver) Resolve(ctx context.Context, ref string) (*Asset, error) {
	info, err := os.Stat(ref)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("asset not found: %s", ref)
		}
		return nil, fmt.Errorf("failed to stat asset: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("asset reference is a directory, not a file: %s", ref)
	}

	ext := strings.ToLower(filepath.Ext(ref))
	mimeType, kind, err := classify(ext)
	if err != nil {
		return nil, err
	}

	asset := &Asset{
		Ref:      ref,
		Path:     ref,
		Kind:     kind,
		MIMEType: mimeType,
		Size:     info.Size(),
	}

	switch kind {
	case KindPhoto:
		if err := probeImage(asset); err != nil {
			log.Warn().Err(err).Str("ref", ref).Msg("Failed to extract image metadata, continuing without it")
		}
	case KindVideo:
		if err := probeVideo(ctx, asset); err != nil {
			log.Warn().Err(err).Str("ref", ref).Msg("Failed to extract video metadata, continuing without it")
		}
	}

	log.Debug().
		Str("ref", ref).
		Str("kind", string(kind)).
		Str("mime_type", mimeType).
		Int64("size_bytes", asset.Size).
		Msg("Asset resolved")

	return asset, nil
}

// classify maps a file extension to its MIME type and media kind.
func classify(ext string) (mimeType string, kind Kind, err error) {
	if mime, ok := SupportedImageExtensions[ext]; ok {
		return mime, KindPhoto, nil
	}
	if mime, ok := SupportedVideoExtensions[ext]; ok {
		return mime, KindVideo, nil
	}
	return "", "", fmt.Errorf("unsupported media extension: %q", ext)
}

// IsImage returns true if the extension belongs to a supported image format.
func IsImage(ext string) bool {
	_, ok := SupportedImageExtensions[strings.ToLower(ext)]
	return ok
}

// IsVideo returns true if the extension belongs to a supported video format.
func IsVideo(ext string) bool {
	_, ok := SupportedVideoExtensions[strings.ToLower(ext)]
	return ok
}
