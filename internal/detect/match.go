package detect

import (
	"image"
	"math"
)

// matchResult is the best placement of one template inside a frame.
type matchResult struct {
	Score float64
	Loc   image.Point
}

// matchTemplate slides tmpl over frame within searchArea and returns the
// best zero-mean normalized cross-correlation score and its location.
// Scores are in [-1, 1]; a flat template or window scores zero. An empty
// searchArea means the whole frame.
func matchTemplate(frame, tmpl *image.Gray, searchArea image.Rectangle) matchResult {
	fw, fh := frame.Bounds().Dx(), frame.Bounds().Dy()
	tw, th := tmpl.Bounds().Dx(), tmpl.Bounds().Dy()
	if tw == 0 || th == 0 || tw > fw || th > fh {
		return matchResult{Score: -1}
	}

	valid := image.Rect(0, 0, fw-tw+1, fh-th+1)
	if searchArea.Empty() {
		searchArea = valid
	} else {
		searchArea = searchArea.Intersect(valid)
		if searchArea.Empty() {
			return matchResult{Score: -1}
		}
	}

	// Template statistics are position independent.
	n := float64(tw * th)
	var tSum, tSumSq float64
	for y := 0; y < th; y++ {
		row := tmpl.Pix[y*tmpl.Stride : y*tmpl.Stride+tw]
		for _, p := range row {
			v := float64(p)
			tSum += v
			tSumSq += v * v
		}
	}
	tMean := tSum / n
	tVar := tSumSq - tSum*tMean
	if tVar <= 0 {
		return matchResult{Score: 0}
	}
	tNorm := math.Sqrt(tVar)

	best := matchResult{Score: -1}
	for oy := searchArea.Min.Y; oy < searchArea.Max.Y; oy++ {
		for ox := searchArea.Min.X; ox < searchArea.Max.X; ox++ {
			var fSum, fSumSq, cross float64
			for y := 0; y < th; y++ {
				fRow := frame.Pix[(oy+y)*frame.Stride+ox : (oy+y)*frame.Stride+ox+tw]
				tRow := tmpl.Pix[y*tmpl.Stride : y*tmpl.Stride+tw]
				for i := 0; i < tw; i++ {
					fv := float64(fRow[i])
					fSum += fv
					fSumSq += fv * fv
					cross += fv * float64(tRow[i])
				}
			}
			fVar := fSumSq - fSum*fSum/n
			if fVar <= 0 {
				continue
			}
			score := (cross - fSum*tMean) / (math.Sqrt(fVar) * tNorm)
			if score > best.Score {
				best = matchResult{Score: score, Loc: image.Pt(ox, oy)}
			}
		}
	}
	return best
}

// refineWindow returns the full-resolution search window around a coarse
// peak, scaled back up, with a margin of at least half the template size
// on every side.
func refineWindow(coarseLoc image.Point, scale, tmplW, tmplH int) image.Rectangle {
	cx := coarseLoc.X * scale
	cy := coarseLoc.Y * scale
	marginX := max(tmplW/2, scale)
	marginY := max(tmplH/2, scale)
	return image.Rect(cx-marginX, cy-marginY, cx+marginX+1, cy+marginY+1)
}
