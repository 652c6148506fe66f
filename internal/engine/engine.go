// Package engine talks to the style-transfer model running in a Python subprocess.
//
// Wire protocol (all integers big-endian):
//
//	handshake  engine -> go   [H_in][W_in][H_out][W_out]          4 x uint32
//	request    go -> engine   [Length][float32 LE tensor, HWC]
//	response   engine -> go   [Status][Length][Payload]           status 0 = tensor, 1 = error message
//
// Requests go over stdin. Responses come back over a dedicated pipe (FD 3) so
// stray prints from Python libraries never corrupt the stream.
package engine

import (
	"context"
	"encoding/binary"
	"image"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/andresmejia3/stylizer/internal/utils"
	"github.com/pkg/errors"
)

const (
	statusOK    byte = 0
	statusError byte = 1

	// maxPayload guards against reading garbage lengths after a crash (8K RGB float32 is ~400MB).
	maxPayload = 512 << 20
)

// Config describes how to launch one engine process.
type Config struct {
	Python      string
	Script      string
	Model       string
	Accelerator bool
	Threads     int
	ReadTimeout time.Duration
}

// ErrShape means a tensor does not match the model's dimensions.
var ErrShape = errors.New("tensor shape mismatch")

// RemoteError is an error reported by the engine for a single request. The
// process is still healthy after one.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return "engine error: " + e.Msg }

type Engine struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	// InputSize and OutputSize are the model's fixed tensor dimensions (X = width, Y = height).
	InputSize  image.Point
	OutputSize image.Point

	ReadTimeout time.Duration
}

// Start launches one engine and waits for its handshake.
func Start(ctx context.Context, id int, cfg Config) (*Engine, error) {
	args := []string{"-u", cfg.Script, "--model", cfg.Model, "--delegate", delegate(cfg.Accelerator)}
	if cfg.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(cfg.Threads))
	}
	py := utils.NewSafeCommand(ctx, cfg.Python, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create pipe")
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, errors.Wrap(err, "failed to create stdin pipe")
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, errors.Wrapf(err, "engine %d failed to start", id)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	e := &Engine{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
	}
	if err := e.handshake(); err != nil {
		e.Close()
		return nil, errors.Wrapf(err, "engine %d handshake", id)
	}
	return e, nil
}

func delegate(accelerator bool) string {
	if accelerator {
		return "gpu"
	}
	return "cpu"
}

// handshake reads the model dimensions the engine reports once the model is loaded.
func (e *Engine) handshake() error {
	e.armDeadline()
	var dims [4]uint32
	if err := binary.Read(e.DataPipe, binary.BigEndian, &dims); err != nil {
		return err // This is where we catch a missing model or import error
	}
	for _, d := range dims {
		if d == 0 || d > 16384 {
			return errors.Errorf("implausible model dimensions %v", dims)
		}
	}
	e.InputSize = image.Pt(int(dims[1]), int(dims[0]))
	e.OutputSize = image.Pt(int(dims[3]), int(dims[2]))
	return nil
}

// Communicate sends one request and returns the response payload.
// An engine-reported failure is a *RemoteError; anything else means the process is unusable.
func (e *Engine) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(e.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, errors.Wrap(err, "write length")
	}
	if _, err := e.Stdin.Write(data); err != nil {
		return nil, errors.Wrap(err, "write payload")
	}

	e.armDeadline()
	header := make([]byte, 5)
	if _, err := io.ReadFull(e.DataPipe, header); err != nil {
		return nil, errors.Wrap(err, "read response header")
	}

	status := header[0]
	respLen := binary.BigEndian.Uint32(header[1:])
	if respLen > maxPayload {
		return nil, errors.Errorf("response length %d exceeds limit", respLen)
	}
	body := make([]byte, respLen)
	if _, err := io.ReadFull(e.DataPipe, body); err != nil {
		return nil, errors.Wrap(err, "read response body")
	}

	switch status {
	case statusOK:
		return body, nil
	case statusError:
		return nil, &RemoteError{Msg: string(body)}
	default:
		return nil, errors.Errorf("unknown response status %d", status)
	}
}

// Infer runs one tensor through the model.
func (e *Engine) Infer(in Tensor) (Tensor, error) {
	if in.W != e.InputSize.X || in.H != e.InputSize.Y {
		return Tensor{}, errors.Wrapf(ErrShape, "input is %dx%d, model expects %dx%d", in.W, in.H, e.InputSize.X, e.InputSize.Y)
	}
	resp, err := e.Communicate(in.Bytes())
	if err != nil {
		return Tensor{}, err
	}
	out, err := TensorFromBytes(resp, e.OutputSize.X, e.OutputSize.Y)
	if err != nil {
		return Tensor{}, errors.Wrapf(err, "engine %d", e.ID)
	}
	return out, nil
}

// armDeadline bounds the next read when the pipe supports deadlines (os.Pipe does).
func (e *Engine) armDeadline() {
	if e.ReadTimeout <= 0 {
		return
	}
	if d, ok := e.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok {
		d.SetReadDeadline(time.Now().Add(e.ReadTimeout))
	}
}

// Close ends the process: closing stdin is the engine's signal to exit.
func (e *Engine) Close() error {
	e.Stdin.Close()
	e.DataPipe.Close()
	if e.Cmd == nil {
		return nil
	}
	return e.Cmd.Wait()
}

// Logs is whatever the engine wrote to stderr.
func (e *Engine) Logs() string {
	return e.Cmd.Logs()
}
