package transcode

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pressline/uploader/internal/assets"
)

// Output constraints for upload transcoding. These are fixed policy: the
// remote service expects H.264/AAC in MP4, and the caps keep mobile-shot
// footage within reasonable upload sizes without visible quality loss.
const (
	// MaxHeight is the maximum output height. Larger sources are
	// downscaled; smaller ones are never upscaled.
	MaxHeight = 1080

	// VideoCRF is the Constant Rate Factor for H.264 encoding (0-51).
	VideoCRF = 23

	// VideoPreset trades encoding speed against output size.
	VideoPreset = "veryfast"

	// AudioBitrate is the target AAC audio bitrate.
	AudioBitrate = "128k"
)

// CheckFFmpegAvailable checks if ffmpeg is available in the system PATH.
// This can be called at startup to validate video transcoding capability.
// Returns nil if ffmpeg is available, or an error describing the issue.
func CheckFFmpegAvailable() error {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return fmt.Errorf("ffmpeg not found in PATH: video upload will be unavailable. Install FFmpeg with: brew install ffmpeg (macOS) or apt install ffmpeg (Linux)")
	}
	log.Debug().Str("path", path).Msg("ffmpeg found")
	return nil
}

// FFmpegExporter implements Exporter using the ffmpeg binary.
type FFmpegExporter struct{}

// Compile-time interface check.
var _ Exporter = (*FFmpegExporter)(nil)

// Export transcodes the source into H.264/AAC MP4 at outputPath. Progress
// is parsed from ffmpeg's machine-readable -progress stream against the
// source duration; sources with unknown duration report no intermediate
// progress.
func (FFmpegExporter) Export(ctx context.Context, asset *assets.Asset, outputPath string, onProgress func(float64)) error {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	args := buildFFmpegArgs(asset.Path, outputPath)

	log.Debug().
		Strs("args", args).
		Dur("source_duration", asset.Duration).
		Msg("Running FFmpeg transcode")

	cmd := exec.CommandContext(ctx, ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("attach ffmpeg stdout: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	monitorProgress(stdout, asset.Duration, onProgress)

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg transcode failed: %w\nOutput: %s", err, tail(stderr.String(), 2048))
	}

	log.Info().
		Str("input_path", asset.Path).
		Str("output_path", outputPath).
		Dur("transcode_time", time.Since(start)).
		Msg("Transcode complete")
	return nil
}

// buildFFmpegArgs constructs the fixed-policy FFmpeg invocation. The scale
// filter downscales only when the source exceeds MaxHeight and keeps even
// dimensions; aspect ratio is preserved.
func buildFFmpegArgs(inputPath, outputPath string) []string {
	args := []string{"-i", inputPath}

	args = append(args, "-c:v", "libx264")
	args = append(args, "-preset", VideoPreset)
	args = append(args, "-crf", strconv.Itoa(VideoCRF))

	vf := fmt.Sprintf("scale=-2:'min(%d,ih)',format=yuv420p", MaxHeight)
	args = append(args, "-vf", vf)

	// Stream mapping: video required, audio optional (handles videos without audio)
	args = append(args, "-map", "0:v:0", "-map", "0:a?")

	args = append(args, "-c:a", "aac")
	args = append(args, "-b:a", AudioBitrate)

	// Front-load the moov atom so the remote service can stream the result.
	args = append(args, "-movflags", "+faststart")

	// Machine-readable progress on stdout, human noise suppressed.
	args = append(args, "-progress", "pipe:1", "-nostats", "-loglevel", "error")

	args = append(args, "-y", outputPath)
	return args
}

// monitorProgress scans ffmpeg's key=value progress stream and converts
// out_time_us samples into fractions of the known source duration.
func monitorProgress(stream interface{ Read([]byte) (int, error) }, duration time.Duration, onProgress func(float64)) {
	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		fraction, ok := parseProgressLine(scanner.Text(), duration)
		if ok && onProgress != nil {
			onProgress(fraction)
		}
	}
}

// parseProgressLine extracts a completion fraction from one line of
// ffmpeg's -progress output. Only out_time_us lines produce a sample, and
// only when the source duration is known.
func parseProgressLine(line string, duration time.Duration) (float64, bool) {
	key, value, found := strings.Cut(strings.TrimSpace(line), "=")
	if !found || key != "out_time_us" || duration <= 0 {
		return 0, false
	}
	us, err := strconv.ParseInt(value, 10, 64)
	if err != nil || us < 0 {
		return 0, false
	}
	fraction := float64(us) / float64(duration.Microseconds())
	if fraction > 1 {
		fraction = 1
	}
	return fraction, true
}

// tail returns the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
