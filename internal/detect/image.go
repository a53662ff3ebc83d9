package detect

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// grayFromBGR24 converts one packed bgr24 frame into a grayscale image
// using the usual luma weights.
func grayFromBGR24(payload []byte, width, height int) *image.Gray {
	gray := image.NewGray(image.Rect(0, 0, width, height))
	for i := 0; i < width*height; i++ {
		b := float64(payload[i*3])
		g := float64(payload[i*3+1])
		r := float64(payload[i*3+2])
		gray.Pix[i] = uint8(0.114*b + 0.587*g + 0.299*r)
	}
	return gray
}

// rgbaFromBGR24 converts a frame for image encoding.
func rgbaFromBGR24(payload []byte, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < width*height; i++ {
		img.SetRGBA(i%width, i/width, color.RGBA{
			R: payload[i*3+2],
			G: payload[i*3+1],
			B: payload[i*3],
			A: 255,
		})
	}
	return img
}

// resizeGray scales a grayscale image to the given size with bilinear
// interpolation. Returns the input unchanged when already that size.
func resizeGray(src *image.Gray, width, height int) *image.Gray {
	if src.Bounds().Dx() == width && src.Bounds().Dy() == height {
		return src
	}
	dst := image.NewGray(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// cropGray returns a copy of the region r of src, clamped to src bounds.
func cropGray(src *image.Gray, r image.Rectangle) *image.Gray {
	r = r.Intersect(src.Bounds())
	dst := image.NewGray(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), src, r.Min, draw.Src)
	return dst
}

// snapRect snaps a rectangle outward to multiples of grid, suppressing
// single-pixel jitter between consecutive frames.
func snapRect(r image.Rectangle, grid int) image.Rectangle {
	if grid <= 1 {
		return r
	}
	snapDown := func(v int) int { return (v / grid) * grid }
	snapUp := func(v int) int { return ((v + grid - 1) / grid) * grid }
	return image.Rect(snapDown(r.Min.X), snapDown(r.Min.Y), snapUp(r.Max.X), snapUp(r.Max.Y))
}
