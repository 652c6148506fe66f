// Package media decodes and encodes video through ffmpeg as raw RGBA frames.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/andresmejia3/stylizer/internal/logger"
	"github.com/andresmejia3/stylizer/internal/types"
	"github.com/andresmejia3/stylizer/internal/utils"
)

// Helper struct for structured JSON parsing
type ffprobeOutput struct {
	Streams []struct {
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		RFrameRate    string `json:"r_frame_rate"`
		AvgFrameRate  string `json:"avg_frame_rate"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
}

// Inspect reads dimensions, frame rate and frame count of the first video stream.
// A missing frame count falls back to counting packets, which reads the whole file.
// TotalFrames stays 0 if neither works; the converter then reads until EOF.
func Inspect(ctx context.Context, path string, log logger.Logger) (types.VideoInfo, error) {
	// 0. Check dependency
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return types.VideoInfo{}, fmt.Errorf("ffprobe not found: %w", err)
	}

	// 1. Fast Path: Container Metadata
	cmd := utils.NewSafeCommand(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,avg_frame_rate,nb_frames", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		return types.VideoInfo{}, fmt.Errorf("ffprobe %s: %w: %s", path, err, strings.TrimSpace(cmd.Logs()))
	}
	info, err := parseInspect(out)
	if err != nil {
		return types.VideoInfo{}, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	if info.TotalFrames > 0 {
		return info, nil
	}

	// 2. Slow Path: Count Packets (Fallback)
	log.Infof("media: frame count missing from metadata, counting packets in %s", filepath.Base(path))
	cmd = utils.NewSafeCommand(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0", "-count_packets",
		"-show_entries", "stream=nb_read_packets", "-of", "json", path)
	if out, err := cmd.Output(); err == nil {
		info.TotalFrames = parsePacketCount(out)
	} else {
		log.Warnf("media: packet count failed: %v", err)
	}
	return info, nil
}

func parseInspect(out []byte) (types.VideoInfo, error) {
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return types.VideoInfo{}, fmt.Errorf("parse json: %w", err)
	}
	if len(res.Streams) == 0 {
		return types.VideoInfo{}, fmt.Errorf("no video stream")
	}
	s := res.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return types.VideoInfo{}, fmt.Errorf("invalid dimensions %dx%d", s.Width, s.Height)
	}

	fps, err := parseFrameRate(s.RFrameRate)
	if err != nil {
		if fps, err = parseFrameRate(s.AvgFrameRate); err != nil {
			return types.VideoInfo{}, err
		}
	}

	// "N/A" or empty for many containers
	frames, _ := strconv.Atoi(s.NbFrames)
	return types.VideoInfo{TotalFrames: max(frames, 0), FPS: fps, Width: s.Width, Height: s.Height}, nil
}

func parsePacketCount(out []byte) int {
	var res ffprobeOutput
	if json.Unmarshal(out, &res) != nil || len(res.Streams) == 0 {
		return 0
	}
	count, err := strconv.Atoi(res.Streams[0].NbReadPackets)
	if err != nil || count < 0 {
		return 0
	}
	return count
}

// parseFrameRate handles ffprobe's rational form ("30000/1001") as well as plain numbers.
func parseFrameRate(s string) (float64, error) {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate %q", s)
	}
	d := 1.0
	if found {
		if d, err = strconv.ParseFloat(den, 64); err != nil {
			return 0, fmt.Errorf("invalid frame rate %q", s)
		}
	}
	if n <= 0 || d <= 0 {
		return 0, fmt.Errorf("invalid frame rate %q", s)
	}
	return n / d, nil
}

// OutputPath is where a stylized copy of input goes: the input path without
// its extension, suffixed with _anime.mp4.
func OutputPath(input string) string {
	return strings.TrimSuffix(input, filepath.Ext(input)) + "_anime.mp4"
}
