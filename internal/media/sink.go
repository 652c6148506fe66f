package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"strconv"
	"strings"

	"github.com/andresmejia3/stylizer/internal/types"
	"github.com/andresmejia3/stylizer/internal/utils"
)

// Sink encodes RGBA frames to an H.264 mp4.
type Sink struct {
	path string

	cmd    *utils.SafeCommand
	in     io.WriteCloser
	cancel context.CancelFunc
	width  int
	height int
}

func NewSink(path string) *Sink {
	return &Sink{path: path}
}

func (s *Sink) Path() string { return s.path }

// newEncoder builds the encoder process. Swapped in tests.
var newEncoder = func(ctx context.Context, path string, w, h int, fps float64) *utils.SafeCommand {
	return utils.NewSafeCommand(ctx, "ffmpeg", encoderArgs(path, w, h, fps)...)
}

// Open starts the encoder for frames of info's size and rate. The encoder
// outlives ctx so that Close can still finalize a partial file after a
// cancellation.
func (s *Sink) Open(ctx context.Context, info types.VideoInfo) error {
	if info.Width <= 0 || info.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", info.Width, info.Height)
	}
	fps := info.FPS
	if fps <= 0 {
		fps = 30
	}

	ectx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := newEncoder(ectx, s.path, info.Width, info.Height, fps)
	in, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create encoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start encoder: %w", err)
	}
	s.cmd, s.in, s.cancel = cmd, in, cancel
	s.width, s.height = info.Width, info.Height
	return nil
}

func encoderArgs(path string, w, h int, fps float64) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", w, h),
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
		"-c:v", "libx264", "-pix_fmt", "yuv420p",
		path,
	}
}

// Write sends one frame to the encoder. The frame must match the size given to Open.
func (s *Sink) Write(img *image.RGBA) error {
	if s.in == nil {
		return errors.New("sink not open")
	}
	return writeFrame(s.in, img, s.width, s.height)
}

func writeFrame(w io.Writer, img *image.RGBA, width, height int) error {
	b := img.Bounds()
	if b.Dx() != width || b.Dy() != height {
		return fmt.Errorf("frame is %dx%d, encoder expects %dx%d", b.Dx(), b.Dy(), width, height)
	}
	row := width * 4
	if img.Stride == row {
		_, err := w.Write(img.Pix[:row*height])
		return err
	}
	for y := 0; y < height; y++ {
		off := y * img.Stride
		if _, err := w.Write(img.Pix[off : off+row]); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes the encoder and waits for the file to be finalized.
// Closing stdin is ffmpeg's signal to write the trailer and exit.
func (s *Sink) Close() error {
	if s.cmd == nil {
		return nil
	}
	cmd := s.cmd
	s.cmd = nil
	defer s.cancel()
	s.in.Close()
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("encoder: %w: %s", err, strings.TrimSpace(cmd.Logs()))
	}
	return nil
}
