// Package preprocess turns an arbitrary image into the normalized CHW tensor the classifier was
// trained on: RGB, shorter side resized to 256, 224x224 center crop, ImageNet normalization.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"io"
	"math"
	"os"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"  // register decoder
	_ "golang.org/x/image/tiff" // register decoder
	_ "golang.org/x/image/webp" // register decoder
)

const (
	ResizeSize = 256
	CropSize   = 224
	Channels   = 3

	// TensorLen is the number of float32 values produced for one image.
	TensorLen = Channels * CropSize * CropSize

	// MaxImagePixels rejects decompression bombs before any pixel buffer is allocated.
	MaxImagePixels = 89_478_485

	// MaxResizedPixels bounds the intermediate image. Extreme aspect ratios would otherwise
	// turn a few hundred bytes of input into gigabytes once the shorter side reaches ResizeSize.
	MaxResizedPixels = ResizeSize * ResizeSize * 64
)

// ImageNet channel statistics.
var (
	Mean = [Channels]float32{0.485, 0.456, 0.406}
	Std  = [Channels]float32{0.229, 0.224, 0.225}
)

var (
	// ErrDecode is returned when the input is not a decodable image.
	ErrDecode = errors.New("cannot identify image file")

	// ErrImageTooLarge is an ErrDecode for images whose dimensions exceed the pixel limits.
	ErrImageTooLarge = fmt.Errorf("%w: image dimensions exceed limit", ErrDecode)
)

// Decode reads and decodes an image in any registered format.
func Decode(r io.Reader) (image.Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return DecodeBytes(data)
}

// DecodeBytes decodes an in-memory image. The header is checked against MaxImagePixels
// before the pixel data is decoded.
func DecodeBytes(data []byte) (image.Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: image has no pixels", ErrDecode)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxImagePixels {
		return nil, fmt.Errorf("%w: %dx%d is more than %d pixels",
			ErrImageTooLarge, cfg.Width, cfg.Height, MaxImagePixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: image has no pixels", ErrDecode)
	}
	return img, nil
}

// DecodeFile reads and decodes the image at path. Open errors are returned unchanged.
func DecodeFile(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeBytes(data)
}

// Preprocess runs the full pipeline and returns a tensor of TensorLen values in CHW order.
func Preprocess(img image.Image) ([]float32, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: no image", ErrDecode)
	}
	cropped, err := Transform(img)
	if err != nil {
		return nil, err
	}
	return Tensor(cropped), nil
}

// Transform converts img to opaque RGB, resizes and center-crops it to CropSize x CropSize.
// It fails with ErrImageTooLarge when the resized image would exceed MaxResizedPixels.
func Transform(img image.Image) (*image.NRGBA, error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("%w: image has no pixels", ErrDecode)
	}
	w, h := ResizedDims(b.Dx(), b.Dy())
	if int64(w)*int64(h) > MaxResizedPixels {
		return nil, fmt.Errorf("%w: %dx%d resizes to %dx%d", ErrImageTooLarge, b.Dx(), b.Dy(), w, h)
	}

	rgb := ToRGB(img)
	var resized image.Image = rgb
	if w != b.Dx() || h != b.Dy() {
		resized = resize.Resize(uint(w), uint(h), rgb, resize.Bilinear)
	}

	rb := resized.Bounds()
	left := rb.Min.X + CropOffset(rb.Dx(), CropSize)
	top := rb.Min.Y + CropOffset(rb.Dy(), CropSize)
	return imaging.Crop(resized, image.Rect(left, top, left+CropSize, top+CropSize)), nil
}

// ToRGB returns a copy of img with the alpha channel discarded. Color values are taken
// unpremultiplied, matching a plain RGBA to RGB mode conversion.
func ToRGB(img image.Image) *image.NRGBA {
	dst := imaging.Clone(img)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}

// ResizedDims scales (w, h) so the shorter side becomes ResizeSize. The longer side is truncated.
func ResizedDims(w, h int) (int, int) {
	if w <= h {
		return ResizeSize, int(float64(ResizeSize) * float64(h) / float64(w))
	}
	return int(float64(ResizeSize) * float64(w) / float64(h)), ResizeSize
}

// CropOffset is the leading offset of a centered crop; halves round to even.
func CropOffset(size, crop int) int {
	return int(math.RoundToEven(float64(size-crop) / 2))
}

// Tensor scales an already cropped image to [0,1] and normalizes it per channel.
func Tensor(img *image.NRGBA) []float32 {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	plane := width * height
	out := make([]float32, Channels*plane)

	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < width; x++ {
			px := row[x*4:]
			idx := y*width + x
			for c := 0; c < Channels; c++ {
				v := float32(px[c]) / 255
				out[c*plane+idx] = (v - Mean[c]) / Std[c]
			}
		}
	}

	return out
}
