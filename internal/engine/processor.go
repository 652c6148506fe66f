package engine

import (
	"context"
	"image"
	"strings"

	"github.com/andresmejia3/stylizer/internal/utils"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// Inferer is anything that maps a model-sized tensor to the model's output.
type Inferer interface {
	Infer(ctx context.Context, in Tensor) (Tensor, error)
	InputSize() image.Point
}

// Processor turns a decoded frame into a stylized one: optional downscale,
// normalize to the model's input, infer, denormalize. It is safe for
// concurrent use when its Inferer is.
type Processor struct {
	engine Inferer
	scale  func() float64
}

// NewProcessor wraps an Inferer. scale is read for every frame; values in
// (0, 1) shrink the frame before it reaches the model. A nil scale means 1.
func NewProcessor(engine Inferer, scale func() float64) *Processor {
	if scale == nil {
		scale = func() float64 { return 1 }
	}
	return &Processor{engine: engine, scale: scale}
}

// Process has the pipeline.ProcessFunc signature. The result is at the model's output size.
func (p *Processor) Process(ctx context.Context, frame *image.RGBA) (*image.RGBA, error) {
	img := downscale(frame, p.scale())
	size := p.engine.InputSize()

	out, err := p.engine.Infer(ctx, Normalize(img, size.X, size.Y))
	if err != nil {
		return nil, err
	}
	return Denormalize(out), nil
}

func downscale(img *image.RGBA, s float64) *image.RGBA {
	if s <= 0 || s >= 1 {
		return img
	}
	b := img.Bounds()
	w, h := max(1, int(float64(b.Dx())*s)), max(1, int(float64(b.Dy())*s))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// VerifyModel checks the model file against an expected SHA-256. An empty want skips the check.
func VerifyModel(path, want string) error {
	if want == "" {
		return nil
	}
	got, err := utils.FileSHA256(path)
	if err != nil {
		return errors.Wrap(err, "hashing model")
	}
	if !strings.EqualFold(got, want) {
		return errors.Errorf("model %s has sha256 %s, want %s", path, got, want)
	}
	return nil
}
