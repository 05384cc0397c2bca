// Package canvas implements the fixed-size BGRA raster buffers shared
// between clients and the room compositor, along with the alpha-over
// compositing used to build per-user middleground images.
package canvas

import (
	"fmt"
)

const (
	// Canvas dimensions shared by every client.
	Width  = 1920
	Height = 1080

	// Channels is the number of bytes per pixel (B, G, R, A).
	Channels = 4

	// BufLen is the raw byte length of a canvas-sized image.
	BufLen = Width * Height * Channels

	maxPixel = 255
)

// Image is a BGRA raster, row-major, Channels bytes per pixel. A zero
// alpha byte means fully transparent.
type Image struct {
	Pix    []byte
	Width  int
	Height int
}

// New returns a fully transparent image of the given dimensions.
func New(w, h int) *Image {
	return &Image{
		Pix:    make([]byte, w*h*Channels),
		Width:  w,
		Height: h,
	}
}

// NewCanvas returns a fully transparent image of the shared canvas size.
func NewCanvas() *Image {
	return New(Width, Height)
}

// FromBytes wraps raw BGRA bytes in an Image, validating the length
// against the given dimensions.
func FromBytes(pix []byte, w, h int) (*Image, error) {
	if len(pix) != w*h*Channels {
		return nil, fmt.Errorf("canvas: %d bytes does not match %dx%dx%d image", len(pix), w, h, Channels)
	}
	return &Image{Pix: pix, Width: w, Height: h}, nil
}

// Clone returns a deep copy of the image.
func (img *Image) Clone() *Image {
	pix := make([]byte, len(img.Pix))
	copy(pix, img.Pix)
	return &Image{Pix: pix, Width: img.Width, Height: img.Height}
}

// SetBGRA sets the pixel at (x, y).
func (img *Image) SetBGRA(x, y int, b, g, r, a byte) {
	idx := (y*img.Width + x) * Channels
	img.Pix[idx] = b
	img.Pix[idx+1] = g
	img.Pix[idx+2] = r
	img.Pix[idx+3] = a
}

// SetAllBGRA sets every pixel to the same value.
func (img *Image) SetAllBGRA(b, g, r, a byte) {
	for i := 0; i < len(img.Pix); i += Channels {
		img.Pix[i] = b
		img.Pix[i+1] = g
		img.Pix[i+2] = r
		img.Pix[i+3] = a
	}
}

// Overlay composites top over bottom and returns a new image; neither
// input is mutated. Each color channel is blended by the top pixel's
// alpha with the float result truncated, and the result alpha is the
// larger of the two. The images must have identical dimensions.
func Overlay(bottom, top *Image) (*Image, error) {
	if bottom == nil || top == nil {
		return nil, fmt.Errorf("canvas: overlay images cannot be nil")
	}
	if bottom.Width != top.Width || bottom.Height != top.Height {
		return nil, fmt.Errorf("canvas: dimension mismatch: %dx%d vs %dx%d",
			bottom.Width, bottom.Height, top.Width, top.Height)
	}

	result := make([]byte, len(top.Pix))
	for idx := 0; idx < len(result); idx += Channels {
		aTop := top.Pix[idx+3]
		aBottom := bottom.Pix[idx+3]

		alpha := float32(aTop) / maxPixel
		result[idx] = byte(float32(top.Pix[idx])*alpha + float32(bottom.Pix[idx])*(1-alpha))
		result[idx+1] = byte(float32(top.Pix[idx+1])*alpha + float32(bottom.Pix[idx+1])*(1-alpha))
		result[idx+2] = byte(float32(top.Pix[idx+2])*alpha + float32(bottom.Pix[idx+2])*(1-alpha))
		result[idx+3] = max(aTop, aBottom)
	}

	return &Image{Pix: result, Width: top.Width, Height: top.Height}, nil
}

// OverlayAll reduces the images left to right with Overlay, so later
// images paint over earlier ones. The first image is cloned, never
// mutated. At least one image is required; a single image is returned
// as-is.
func OverlayAll(images ...*Image) (*Image, error) {
	switch len(images) {
	case 0:
		return nil, fmt.Errorf("canvas: no images to overlay")
	case 1:
		return images[0], nil
	}

	result := images[0].Clone()
	for _, img := range images[1:] {
		var err error
		result, err = Overlay(result, img)
		if err != nil {
			return nil, err
		}
	}

	return result, nil
}
