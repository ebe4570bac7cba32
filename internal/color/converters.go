// Copyright 2019 Lanikai Labs. All rights reserved.

package color

import (
	"image"

	"github.com/pkg/errors"
)

// YUYV is a packed 4:2:2 image (YUY2): Y0 U Y1 V for every pixel pair.
type YUYV struct {
	Packed []uint8
	Rect   image.Rectangle
	Stride int
}

// WrapYUYV views a captured frame as a YUYV image without copying. A zero
// stride means rows are packed.
func WrapYUYV(data []byte, width, height, stride int) (*YUYV, error) {
	if stride == 0 {
		stride = 2 * width
	}
	if width <= 0 || height <= 0 || width%2 != 0 || stride < 2*width {
		return nil, errors.Errorf("color: bad YUYV geometry %dx%d stride %d", width, height, stride)
	}
	if need := stride*(height-1) + 2*width; len(data) < need {
		return nil, errors.Errorf("color: YUYV %dx%d needs %d bytes, have %d", width, height, need, len(data))
	}
	return &YUYV{Packed: data, Rect: image.Rect(0, 0, width, height), Stride: stride}, nil
}

// YUYVToYUV420P converts YUYV (i.e. YUY2) packed to YUV420 planar format.
// Chroma is taken from even rows.
func YUYVToYUV420P(dst *image.YCbCr, src *YUYV) {
	w, h := src.Rect.Dx(), src.Rect.Dy()

	for y := 0; y < h; y++ {
		row := src.Packed[y*src.Stride:]
		luma := dst.Y[y*dst.YStride:]
		for x := 0; x < w; x++ {
			luma[x] = row[2*x]
		}

		if y%2 != 0 {
			continue
		}
		cb := dst.Cb[(y/2)*dst.CStride:]
		cr := dst.Cr[(y/2)*dst.CStride:]
		for x := 0; x < w/2; x++ {
			cb[x] = row[4*x+1]
			cr[x] = row[4*x+3]
		}
	}
}
