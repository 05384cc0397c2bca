package canvas

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
)

// Compress deflates the raw pixel buffer of a canvas-sized image for
// transport. Raw canvas frames are ~8MB; drawings compress well since
// most of the buffer is transparent.
func Compress(img *Image) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("canvas: cannot compress nil image")
	}
	if len(img.Pix) != img.Width*img.Height*Channels {
		return nil, fmt.Errorf("canvas: pixel buffer length %d does not match %dx%d", len(img.Pix), img.Width, img.Height)
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(img.Pix); err != nil {
		return nil, fmt.Errorf("canvas: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("canvas: compress: %w", err)
	}

	return buf.Bytes(), nil
}

// Decompress inflates a transport payload into a canvas-sized image.
// The payload must decompress to exactly BufLen bytes.
func Decompress(data []byte) (*Image, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("canvas: decompress: %w", err)
	}
	defer zr.Close()

	pix := make([]byte, BufLen)
	if _, err := io.ReadFull(zr, pix); err != nil {
		return nil, fmt.Errorf("canvas: decompress: %w", err)
	}

	// Anything beyond a full canvas means a malformed payload.
	var extra [1]byte
	if n, _ := zr.Read(extra[:]); n != 0 {
		return nil, fmt.Errorf("canvas: payload larger than %d bytes", BufLen)
	}

	return &Image{Pix: pix, Width: Width, Height: Height}, nil
}
