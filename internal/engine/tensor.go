package engine

import (
	"encoding/binary"
	"image"
	"math"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// Tensor is an H x W x 3 float32 image in row-major HWC order.
type Tensor struct {
	H, W int
	Data []float32
}

// Normalize resizes img to w x h and maps every RGB channel to [-1, 1] with p/127.5 - 1. Alpha is dropped.
func Normalize(img *image.RGBA, w, h int) Tensor {
	src := img
	if b := img.Bounds(); b.Dx() != w || b.Dy() != h {
		src = image.NewRGBA(image.Rect(0, 0, w, h))
		draw.BiLinear.Scale(src, src.Bounds(), img, b, draw.Src, nil)
	}

	t := Tensor{H: h, W: w, Data: make([]float32, h*w*3)}
	i := 0
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+w*4]
		for x := 0; x < w*4; x += 4 {
			t.Data[i] = float32(row[x])/127.5 - 1
			t.Data[i+1] = float32(row[x+1])/127.5 - 1
			t.Data[i+2] = float32(row[x+2])/127.5 - 1
			i += 3
		}
	}
	return t
}

// Denormalize maps [-1, 1] back to 8-bit with clip((v+1)*127.5, 0, 255). The result is opaque.
func Denormalize(t Tensor) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, t.W, t.H))
	i := 0
	for p := 0; p < len(img.Pix); p += 4 {
		img.Pix[p] = toByte(t.Data[i])
		img.Pix[p+1] = toByte(t.Data[i+1])
		img.Pix[p+2] = toByte(t.Data[i+2])
		img.Pix[p+3] = 255
		i += 3
	}
	return img
}

func toByte(v float32) uint8 {
	f := (float64(v) + 1) * 127.5
	switch {
	case math.IsNaN(f) || f <= 0:
		return 0
	case f >= 255:
		return 255
	}
	return uint8(f)
}

// Bytes encodes the tensor as little-endian float32, the layout numpy reads natively.
func (t Tensor) Bytes() []byte {
	b := make([]byte, len(t.Data)*4)
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

// TensorFromBytes decodes a w x h x 3 tensor written by Bytes.
func TensorFromBytes(b []byte, w, h int) (Tensor, error) {
	want := w * h * 3 * 4
	if len(b) != want {
		return Tensor{}, errors.Wrapf(ErrShape, "got %d bytes, want %d for %dx%dx3", len(b), want, w, h)
	}
	t := Tensor{H: h, W: w, Data: make([]float32, w*h*3)}
	for i := range t.Data {
		t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return t, nil
}
