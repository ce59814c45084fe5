package assets

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/evanoberholster/imagemeta"
	"github.com/rs/zerolog/log"

	_ "golang.org/x/image/webp"
)

// probeImage fills in dimensions and capture time for a photo asset.
//
// Dimensions come from image.DecodeConfig, which reads only the header.
// Capture time comes from EXIF via the imagemeta library, which supports
// HEIC (BMFF container), JPEG, TIFF, and handles the date fallback chain
// DateTimeOriginal > CreateDate > ModifyDate.
func probeImage(asset *Asset) error {
	f, err := os.Open(asset.Path)
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	if cfg, _, err := image.DecodeConfig(f); err == nil {
		asset.Width = cfg.Width
		asset.Height = cfg.Height
	} else {
		// HEIC/HEIF are not decodable by the registered formats; dimensions
		// stay unknown and the digest omits them.
		log.Debug().Err(err).Str("path", asset.Path).Msg("Image header decode failed")
	}

	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to rewind image: %w", err)
	}

	exifData, err := imagemeta.Decode(f)
	if err != nil {
		return fmt.Errorf("failed to decode EXIF metadata: %w", err)
	}

	switch {
	case !exifData.DateTimeOriginal().IsZero():
		asset.TakenAt = exifData.DateTimeOriginal()
	case !exifData.CreateDate().IsZero():
		asset.TakenAt = exifData.CreateDate()
	case !exifData.ModifyDate().IsZero():
		asset.TakenAt = exifData.ModifyDate()
	}

	return nil
}
