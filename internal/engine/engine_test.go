package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/stylizer/internal/logger"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func okResponse(t Tensor) []byte {
	payload := t.Bytes()
	buf := new(bytes.Buffer)
	buf.WriteByte(statusOK)
	binary.Write(buf, binary.BigEndian, uint32(len(payload)))
	buf.Write(payload)
	return buf.Bytes()
}

func errResponse(msg string) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(statusError)
	binary.Write(buf, binary.BigEndian, uint32(len(msg)))
	buf.WriteString(msg)
	return buf.Bytes()
}

func filled(w, h int, v float32) Tensor {
	t := Tensor{W: w, H: h, Data: make([]float32, w*h*3)}
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// mockEngine returns an engine whose DataPipe already holds the given responses.
func mockEngine(id int, in, out image.Point, responses ...[]byte) (*Engine, *MockCloser) {
	stdin := &MockCloser{Buffer: new(bytes.Buffer)}
	data := &MockCloser{Buffer: new(bytes.Buffer)}
	for _, r := range responses {
		data.Write(r)
	}
	return &Engine{
		ID:         id,
		Stdin:      stdin,
		DataPipe:   data,
		InputSize:  in,
		OutputSize: out,
		// Cmd is nil because we aren't testing process management, just the protocol
	}, stdin
}

func TestHandshake(t *testing.T) {
	data := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(data, binary.BigEndian, [4]uint32{256, 512, 128, 64}) // H_in W_in H_out W_out

	e := &Engine{Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: data}
	if err := e.handshake(); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if e.InputSize != image.Pt(512, 256) {
		t.Errorf("Expected input 512x256, got %v", e.InputSize)
	}
	if e.OutputSize != image.Pt(64, 128) {
		t.Errorf("Expected output 64x128, got %v", e.OutputSize)
	}
}

func TestHandshake_Errors(t *testing.T) {
	// Python died before the model loaded: the pipe closes with nothing written
	e := &Engine{DataPipe: &MockCloser{Buffer: new(bytes.Buffer)}}
	if err := e.handshake(); err == nil {
		t.Error("Expected an error for an empty handshake")
	}

	data := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(data, binary.BigEndian, [4]uint32{0, 512, 512, 512})
	e = &Engine{DataPipe: data}
	if err := e.handshake(); err == nil {
		t.Error("Expected an error for a zero dimension")
	}
}

func TestCommunicate(t *testing.T) {
	e, stdin := mockEngine(1, image.Pt(1, 1), image.Pt(1, 1), okResponse(filled(1, 1, 0.5)))

	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	resp, err := e.Communicate(inputFrame)
	if err != nil {
		t.Fatalf("Communicate failed: %v", err)
	}

	// Verify Go sent the correct data TO Python: 4 bytes header + payload
	sent := stdin.Bytes()
	if len(sent) != 4+len(inputFrame) {
		t.Fatalf("Expected %d bytes sent, got %d", 4+len(inputFrame), len(sent))
	}
	if binary.BigEndian.Uint32(sent[:4]) != uint32(len(inputFrame)) {
		t.Errorf("Expected length header %d, got %d", len(inputFrame), binary.BigEndian.Uint32(sent[:4]))
	}
	if !bytes.Equal(sent[4:], inputFrame) {
		t.Errorf("Expected payload %X, got %X", inputFrame, sent[4:])
	}

	if len(resp) != 12 {
		t.Errorf("Expected a 12 byte tensor, got %d bytes", len(resp))
	}
}

func TestCommunicate_Error(t *testing.T) {
	errMsg := "Python Exception: Import Error"
	e, _ := mockEngine(1, image.Pt(1, 1), image.Pt(1, 1), errResponse(errMsg))

	_, err := e.Communicate([]byte("frame"))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("Expected a *RemoteError, got %T", err)
	}
	if err.Error() != "engine error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "engine error: "+errMsg, err)
	}
}

func TestCommunicate_Truncated(t *testing.T) {
	// Header promises 100 bytes but the process died after 3
	data := []byte{statusOK, 0, 0, 0, 100, 1, 2, 3}
	e, _ := mockEngine(1, image.Pt(1, 1), image.Pt(1, 1), data)

	_, err := e.Communicate([]byte("frame"))
	if err == nil || recoverable(err) {
		t.Errorf("Expected a fatal protocol error, got %v", err)
	}
}

func TestInfer(t *testing.T) {
	want := filled(2, 1, -0.25)
	e, stdin := mockEngine(1, image.Pt(2, 2), image.Pt(2, 1), okResponse(want))

	out, err := e.Infer(filled(2, 2, 0))
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if out.W != 2 || out.H != 1 || out.Data[5] != -0.25 {
		t.Errorf("Unexpected output tensor %+v", out)
	}
	if got := stdin.Len(); got != 4+2*2*3*4 {
		t.Errorf("Expected %d bytes sent, got %d", 4+2*2*3*4, got)
	}

	if _, err := e.Infer(filled(3, 3, 0)); !errors.Is(err, ErrShape) {
		t.Errorf("Expected ErrShape for a wrongly sized input, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	copy(img.Pix, []uint8{0, 255, 127, 255, 51, 204, 255, 0})

	tn := Normalize(img, 2, 1)
	want := []float32{-1, 1, 127/127.5 - 1, 51/127.5 - 1, 204/127.5 - 1, 1}
	if len(tn.Data) != len(want) {
		t.Fatalf("Expected %d values, got %d", len(want), len(tn.Data))
	}
	for i := range want {
		if math.Abs(float64(tn.Data[i]-want[i])) > 1e-6 {
			t.Errorf("value %d: expected %f, got %f", i, want[i], tn.Data[i])
		}
	}

	// resized to the model's input
	big := Normalize(image.NewRGBA(image.Rect(0, 0, 64, 32)), 8, 8)
	if big.W != 8 || big.H != 8 || len(big.Data) != 8*8*3 {
		t.Errorf("Expected an 8x8x3 tensor, got %dx%d (%d values)", big.W, big.H, len(big.Data))
	}
}

func TestDenormalize(t *testing.T) {
	tn := Tensor{W: 2, H: 1, Data: []float32{-1, 1, 0, 2, -3, float32(math.NaN())}}
	img := Denormalize(tn)

	want := []uint8{0, 255, 127, 255, 255, 0, 0, 255}
	if !bytes.Equal(img.Pix, want) {
		t.Errorf("Expected %v, got %v", want, img.Pix)
	}
}

func TestTensorFromBytes(t *testing.T) {
	in := filled(3, 2, 0.75)
	out, err := TensorFromBytes(in.Bytes(), 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	if out.W != 3 || out.H != 2 || out.Data[17] != 0.75 {
		t.Errorf("Unexpected tensor %+v", out)
	}

	if _, err := TensorFromBytes(in.Bytes(), 4, 4); !errors.Is(err, ErrShape) {
		t.Errorf("Expected ErrShape, got %v", err)
	}
}

func TestPool(t *testing.T) {
	in, out := image.Pt(2, 2), image.Pt(1, 1)
	var starts atomic.Int32

	start := func(ctx context.Context, id int) (*Engine, error) {
		starts.Add(1)
		if id == 0 {
			// the first engine answers once, then dies mid-response
			e, _ := mockEngine(id, in, out, okResponse(filled(1, 1, 0.1)), []byte{statusOK, 0})
			return e, nil
		}
		e, _ := mockEngine(id, in, out,
			okResponse(filled(1, 1, 0.2)),
			errResponse("bad frame"),
			okResponse(filled(1, 1, 0.3)))
		return e, nil
	}

	p, err := newPool(context.Background(), 1, start, logger.NewNop())
	if err != nil {
		t.Fatalf("newPool failed: %v", err)
	}
	defer p.Close()

	if p.InputSize() != in || p.OutputSize() != out || p.Size() != 1 {
		t.Fatalf("Unexpected pool shape %v %v %d", p.InputSize(), p.OutputSize(), p.Size())
	}

	ctx := context.Background()
	if r, err := p.Infer(ctx, filled(2, 2, 0)); err != nil || r.Data[0] != 0.1 {
		t.Fatalf("first Infer = %v, %v", r.Data, err)
	}

	// engine 0 crashes; the pool swaps in engine 1
	if _, err := p.Infer(ctx, filled(2, 2, 0)); err == nil {
		t.Fatal("Expected the crash to surface")
	}
	if starts.Load() != 2 {
		t.Fatalf("Expected a replacement engine, starts = %d", starts.Load())
	}

	if r, err := p.Infer(ctx, filled(2, 2, 0)); err != nil || r.Data[0] != 0.2 {
		t.Fatalf("Infer on replacement = %v, %v", r.Data, err)
	}

	// a remote error keeps the engine
	var remote *RemoteError
	if _, err := p.Infer(ctx, filled(2, 2, 0)); !errors.As(err, &remote) {
		t.Fatalf("Expected a RemoteError, got %v", err)
	}
	if r, err := p.Infer(ctx, filled(2, 2, 0)); err != nil || r.Data[0] != 0.3 {
		t.Fatalf("Infer after remote error = %v, %v", r.Data, err)
	}
	if starts.Load() != 2 {
		t.Errorf("A remote error must not restart the engine, starts = %d", starts.Load())
	}

	p.Close()
	if _, err := p.Infer(ctx, filled(2, 2, 0)); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}
}

func TestPool_Exhausted(t *testing.T) {
	in, out := image.Pt(2, 2), image.Pt(1, 1)
	start := func(ctx context.Context, id int) (*Engine, error) {
		if id > 0 {
			return nil, errors.New("ModuleNotFoundError: tflite_runtime")
		}
		// dies mid-response on the first request
		e, _ := mockEngine(id, in, out, []byte{statusOK, 0})
		return e, nil
	}

	p, err := newPool(context.Background(), 1, start, logger.NewNop())
	if err != nil {
		t.Fatalf("newPool failed: %v", err)
	}
	defer p.Close()

	if _, err := p.Infer(context.Background(), filled(2, 2, 0)); err == nil {
		t.Fatal("Expected the crash to surface")
	}

	// no deadline: with the last engine gone Infer must fail instead of waiting
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Infer(context.Background(), filled(2, 2, 0))
		errCh <- err
	}()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrPoolExhausted) {
			t.Errorf("Expected ErrPoolExhausted, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Infer blocked on an empty pool")
	}
}

func TestPool_StartupFailure(t *testing.T) {
	start := func(ctx context.Context, id int) (*Engine, error) {
		if id == 2 {
			return nil, errors.New("ModuleNotFoundError: tflite_runtime")
		}
		e, _ := mockEngine(id, image.Pt(4, 4), image.Pt(4, 4))
		return e, nil
	}
	if _, err := newPool(context.Background(), 3, start, logger.NewNop()); err == nil {
		t.Fatal("Expected startup failure to fail the pool")
	}
}

type fakeInferer struct {
	size image.Point
	got  Tensor
}

func (f *fakeInferer) InputSize() image.Point { return f.size }

func (f *fakeInferer) Infer(_ context.Context, in Tensor) (Tensor, error) {
	f.got = in
	return filled(3, 2, 1), nil
}

func TestProcessor(t *testing.T) {
	inf := &fakeInferer{size: image.Pt(4, 4)}
	p := NewProcessor(inf, func() float64 { return 0.5 })

	frame := image.NewRGBA(image.Rect(0, 0, 32, 16))
	out, err := p.Process(context.Background(), frame)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if inf.got.W != 4 || inf.got.H != 4 {
		t.Errorf("Expected the model to receive 4x4, got %dx%d", inf.got.W, inf.got.H)
	}
	if out.Bounds() != image.Rect(0, 0, 3, 2) {
		t.Errorf("Expected output at model size 3x2, got %v", out.Bounds())
	}
	if out.Pix[0] != 255 {
		t.Errorf("Expected denormalized 255, got %d", out.Pix[0])
	}
}

func TestDownscale(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 40))
	if downscale(img, 1) != img {
		t.Error("Scale 1 should not copy")
	}
	if got := downscale(img, 0.5).Bounds(); got != image.Rect(0, 0, 50, 20) {
		t.Errorf("Expected 50x20, got %v", got)
	}
	if got := downscale(image.NewRGBA(image.Rect(0, 0, 1, 1)), 0.5).Bounds(); got != image.Rect(0, 0, 1, 1) {
		t.Errorf("Expected 1x1 floor, got %v", got)
	}
}

func TestVerifyModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.tflite")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := VerifyModel(path, ""); err != nil {
		t.Errorf("Empty checksum should skip verification, got %v", err)
	}
	if err := VerifyModel(path, "BA7816BF8F01CFEA414140DE5DAE2223B00361A396177A9CB410FF61F20015AD"); err != nil {
		t.Errorf("Matching checksum rejected: %v", err)
	}
	if err := VerifyModel(path, "00"); err == nil {
		t.Error("Expected a mismatch error")
	}
}
