package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"strings"

	"github.com/andresmejia3/stylizer/internal/logger"
	"github.com/andresmejia3/stylizer/internal/types"
	"github.com/andresmejia3/stylizer/internal/utils"
)

// Source decodes a video file into RGBA frames.
type Source struct {
	Path string
	log  logger.Logger

	cmd  *utils.SafeCommand
	out  io.ReadCloser
	info types.VideoInfo
}

func NewSource(path string, log logger.Logger) *Source {
	return &Source{Path: path, log: log}
}

// Open inspects the file and starts the decoder. The decoder dies with ctx.
func (s *Source) Open(ctx context.Context) (types.VideoInfo, error) {
	info, err := Inspect(ctx, s.Path, s.log)
	if err != nil {
		return types.VideoInfo{}, err
	}

	cmd := utils.NewSafeCommand(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error",
		"-i", s.Path, "-f", "rawvideo", "-pix_fmt", "rgba", "-")
	out, err := cmd.StdoutPipe()
	if err != nil {
		return types.VideoInfo{}, fmt.Errorf("failed to create decoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return types.VideoInfo{}, fmt.Errorf("failed to start decoder: %w", err)
	}

	s.cmd, s.out, s.info = cmd, out, info
	return info, nil
}

// Read returns the next frame, or io.EOF once the decoder has no complete frame left.
func (s *Source) Read() (*image.RGBA, error) {
	if s.out == nil {
		return nil, errors.New("source not open")
	}
	return readFrame(s.out, s.info.Width, s.info.Height)
}

func readFrame(r io.Reader, w, h int) (*image.RGBA, error) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	if _, err := io.ReadFull(r, img.Pix); err != nil {
		// a trailing partial frame is treated as the end of the stream
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return img, nil
}

// Close stops the decoder, even if frames are left unread.
func (s *Source) Close() error {
	if s.cmd == nil {
		return nil
	}
	cmd := s.cmd
	s.cmd = nil
	s.out.Close()

	// killing an unfinished decoder is expected; only report a failure it logged
	cmd.Process.Kill()
	if err := cmd.Wait(); err != nil {
		if logs := strings.TrimSpace(cmd.Logs()); logs != "" {
			return fmt.Errorf("decoder: %w: %s", err, logs)
		}
	}
	return nil
}
