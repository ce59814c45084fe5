package assets

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// CheckFFprobeAvailable checks if ffprobe is available in the system PATH.
// Returns nil if ffprobe is available, or an error describing the issue.
func CheckFFprobeAvailable() error {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return fmt.Errorf("ffprobe not found in PATH: video metadata extraction will be unavailable")
	}
	return nil
}

// ffprobeOutput mirrors the subset of ffprobe JSON output we consume.
type ffprobeOutput struct {
	Format struct {
		Duration string            `json:"duration"`
		BitRate  string            `json:"bit_rate"`
		Tags     map[string]string `json:"tags"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
		SampleRate string `json:"sample_rate"`
	} `json:"streams"`
}

// probeVideo fills in duration, dimensions, frame rate, and audio rate for a
// video asset by running ffprobe with JSON output.
func probeVideo(ctx context.Context, asset *Asset) error {
	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		return fmt.Errorf("ffprobe not found in PATH: %w", err)
	}

	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		asset.Path,
	)
	output, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("ffprobe failed: %w", err)
	}

	var probe ffprobeOutput
	if err := json.Unmarshal(output, &probe); err != nil {
		return fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	if probe.Format.Duration != "" {
		if dur, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
			asset.Duration = time.Duration(dur * float64(time.Second))
		}
	}
	if probe.Format.BitRate != "" {
		asset.BitRate, _ = strconv.ParseInt(probe.Format.BitRate, 10, 64)
	}
	if t, ok := probe.Format.Tags["creation_time"]; ok {
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			asset.TakenAt = parsed
		}
	}

	for _, stream := range probe.Streams {
		switch stream.CodecType {
		case "video":
			if asset.Width == 0 {
				asset.Width = stream.Width
				asset.Height = stream.Height
			}
			if asset.FrameRate == 0 {
				asset.FrameRate = parseFrameRate(stream.RFrameRate)
			}
		case "audio":
			if asset.AudioRate == 0 {
				asset.AudioRate, _ = strconv.Atoi(stream.SampleRate)
			}
		}
	}

	return nil
}

// parseFrameRate parses ffprobe's rational frame rate notation ("30000/1001").
func parseFrameRate(r string) float64 {
	parts := strings.SplitN(r, "/", 2)
	if len(parts) != 2 {
		return 0
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}
