package detect

import (
	"image"
	"math"
)

// Canny hysteresis thresholds, matched to the tuning the detector was
// calibrated with.
const (
	cannyLow  = 80.0
	cannyHigh = 160.0
)

// edgeMap computes a binary Canny edge image: gaussian smoothing, sobel
// gradients, non-maximum suppression along the quantized gradient
// direction, then hysteresis linking between the two thresholds.
func edgeMap(src *image.Gray) *image.Gray {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	out := image.NewGray(image.Rect(0, 0, w, h))
	if w < 3 || h < 3 {
		return out
	}

	blurred := gaussianBlur(src)

	mag := make([]float64, w*h)
	dir := make([]uint8, w*h)
	sobel(blurred, mag, dir)

	thin := nonMaxSuppress(mag, dir, w, h)
	hysteresis(thin, w, h, out.Pix)
	return out
}

// gaussianBlur applies a separable 5-tap binomial kernel (1 4 6 4 1)/16.
func gaussianBlur(src *image.Gray) *image.Gray {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	kernel := [5]float64{1, 4, 6, 4, 1}

	tmp := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum, weight float64
			for k := -2; k <= 2; k++ {
				xx := x + k
				if xx < 0 || xx >= w {
					continue
				}
				kw := kernel[k+2]
				sum += kw * float64(src.Pix[y*src.Stride+xx])
				weight += kw
			}
			tmp[y*w+x] = sum / weight
		}
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum, weight float64
			for k := -2; k <= 2; k++ {
				yy := y + k
				if yy < 0 || yy >= h {
					continue
				}
				kw := kernel[k+2]
				sum += kw * tmp[yy*w+x]
				weight += kw
			}
			dst.Pix[y*dst.Stride+x] = uint8(math.Round(sum / weight))
		}
	}
	return dst
}

// sobel fills gradient magnitude and direction (quantized to 4 sectors:
// 0=horizontal, 1=diag /, 2=vertical, 3=diag \).
func sobel(src *image.Gray, mag []float64, dir []uint8) {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	at := func(x, y int) float64 { return float64(src.Pix[y*src.Stride+x]) }

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := -at(x-1, y-1) + at(x+1, y-1) - 2*at(x-1, y) + 2*at(x+1, y) - at(x-1, y+1) + at(x+1, y+1)
			gy := -at(x-1, y-1) - 2*at(x, y-1) - at(x+1, y-1) + at(x-1, y+1) + 2*at(x, y+1) + at(x+1, y+1)
			idx := y*w + x
			mag[idx] = math.Hypot(gx, gy)

			angle := math.Atan2(gy, gx) * 180 / math.Pi
			if angle < 0 {
				angle += 180
			}
			switch {
			case angle < 22.5 || angle >= 157.5:
				dir[idx] = 0
			case angle < 67.5:
				dir[idx] = 1
			case angle < 112.5:
				dir[idx] = 2
			default:
				dir[idx] = 3
			}
		}
	}
}

// nonMaxSuppress keeps only gradient magnitudes that are local maxima
// along their gradient direction.
func nonMaxSuppress(mag []float64, dir []uint8, w, h int) []float64 {
	out := make([]float64, w*h)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			idx := y*w + x
			m := mag[idx]
			if m == 0 {
				continue
			}
			var a, b float64
			switch dir[idx] {
			case 0:
				a, b = mag[idx-1], mag[idx+1]
			case 1:
				a, b = mag[(y-1)*w+x+1], mag[(y+1)*w+x-1]
			case 2:
				a, b = mag[(y-1)*w+x], mag[(y+1)*w+x]
			default:
				a, b = mag[(y-1)*w+x-1], mag[(y+1)*w+x+1]
			}
			if m >= a && m >= b {
				out[idx] = m
			}
		}
	}
	return out
}

// hysteresis marks strong pixels and grows weak pixels connected to a
// strong one, writing 255 edge pixels into pix.
func hysteresis(mag []float64, w, h int, pix []uint8) {
	stack := make([]int, 0, 256)
	for idx, m := range mag {
		if m >= cannyHigh && pix[idx] == 0 {
			pix[idx] = 255
			stack = append(stack, idx)
		}
	}

	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		x, y := idx%w, idx/w
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nx, ny := x+dx, y+dy
				if nx < 0 || nx >= w || ny < 0 || ny >= h {
					continue
				}
				nIdx := ny*w + nx
				if pix[nIdx] == 0 && mag[nIdx] >= cannyLow {
					pix[nIdx] = 255
					stack = append(stack, nIdx)
				}
			}
		}
	}
}
