package detect

import (
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/frametrace/frametrace/internal/config"
	"github.com/frametrace/frametrace/internal/logger"
	"github.com/frametrace/frametrace/internal/monitor"
	"github.com/frametrace/frametrace/internal/storage"
)

const (
	gridSize  = 8
	minROIDim = 10
)

// Result is the full outcome of one frame evaluation.
type Result struct {
	Matched    bool
	Confidence float64
	Reference  string
	Box        image.Rectangle
	EventStart bool
}

// Engine scores raw frames for one profile against its reference
// templates. Edge maps are matched coarse-first: a downscaled pass gates
// the expensive full-resolution pass, which is then confined to a window
// around the coarse peak. Not safe for concurrent use; the orchestrator
// owns it from a single processing goroutine.
type Engine struct {
	store       *storage.Store
	profileName string
	refDir      string
	debugDir    string
	threshold   float64
	selectedRef string
	settings    config.DetectionSettings

	cache *templateCache
	log   zerolog.Logger

	inEvent       bool
	lastMatchAt   time.Time
	lastDebugSave time.Time
	debugFailOnce sync.Once
	lastResultMu  sync.Mutex
	lastResult    Result
	frameWidth    int
	frameHeight   int
}

// NewEngine creates an evaluator for one profile. threshold is the
// profile's detection threshold, already clamped by the profile layer.
func NewEngine(store *storage.Store, profileName, refDir, debugDir string, threshold float64, settings config.DetectionSettings) *Engine {
	return &Engine{
		store:       store,
		profileName: profileName,
		refDir:      refDir,
		debugDir:    debugDir,
		threshold:   threshold,
		settings:    settings,
		cache:       newTemplateCache(refDir, settings.CoarseScale),
		log:         *logger.WithComponent("detect"),
	}
}

// SetFrameSize tells the engine the incoming raw frame geometry.
func (e *Engine) SetFrameSize(width, height int) {
	e.frameWidth = width
	e.frameHeight = height
}

// SelectReference restricts matching to the named reference. Empty
// means every reference competes.
func (e *Engine) SelectReference(name string) {
	e.selectedRef = name
}

// CheckReferences verifies the profile has usable templates and, when a
// reference is selected, that the selection names one of them.
func (e *Engine) CheckReferences() error {
	templates, err := e.cache.Load()
	if err != nil {
		return fmt.Errorf("load references: %w", err)
	}
	if len(templates) == 0 {
		return fmt.Errorf("no reference images for this profile")
	}
	if e.selectedRef != "" && !containsTemplate(templates, e.selectedRef) {
		return fmt.Errorf("selected reference %q not found", e.selectedRef)
	}
	return nil
}

func containsTemplate(templates []template, name string) bool {
	for _, t := range templates {
		if t.Name == name {
			return true
		}
	}
	return false
}

// LastResult returns the most recent full evaluation outcome.
func (e *Engine) LastResult() Result {
	e.lastResultMu.Lock()
	defer e.lastResultMu.Unlock()
	return e.lastResult
}

// Evaluate implements the orchestrator's FrameEvaluator. payload is one
// packed bgr24 frame of the size given to SetFrameSize.
func (e *Engine) Evaluate(payload []byte, ts time.Time) (monitor.Detection, error) {
	res, err := e.EvaluateFrame(payload, ts)
	if err != nil {
		return monitor.Detection{}, err
	}
	return monitor.Detection{
		Matched:    res.Matched,
		Confidence: res.Confidence,
		EventStart: res.EventStart,
		Reference:  res.Reference,
	}, nil
}

// EvaluateFrame runs the full pipeline: grayscale, canonical resize,
// optional region-of-interest crop, one edge map, then the coarse-to-fine
// template search across the eligible references.
func (e *Engine) EvaluateFrame(payload []byte, ts time.Time) (Result, error) {
	if e.frameWidth == 0 || e.frameHeight == 0 {
		return Result{}, fmt.Errorf("frame size not set")
	}
	if len(payload) != e.frameWidth*e.frameHeight*3 {
		return Result{}, fmt.Errorf("payload is %d bytes, want %d", len(payload), e.frameWidth*e.frameHeight*3)
	}

	templates, err := e.cache.Load()
	if err != nil {
		return Result{}, fmt.Errorf("load references: %w", err)
	}
	if len(templates) == 0 {
		return Result{}, fmt.Errorf("no reference templates")
	}

	gray := grayFromBGR24(payload, e.frameWidth, e.frameHeight)
	gray = resizeGray(gray, e.settings.CanonicalWidth, e.settings.CanonicalHeight)

	roi := e.regionOfInterest()
	offset := image.Point{}
	if !roi.Empty() {
		gray = cropGray(gray, roi)
		offset = roi.Min
	}

	frameEdges := edgeMap(gray)
	coarseW := max(gray.Bounds().Dx()/e.settings.CoarseScale, 1)
	coarseH := max(gray.Bounds().Dy()/e.settings.CoarseScale, 1)
	coarseEdges := edgeMap(resizeGray(gray, coarseW, coarseH))

	coarseGate := math.Max(e.settings.CoarseFloor, e.threshold*e.settings.CoarseFactor)

	best := Result{Confidence: -1}
	for _, tmpl := range templates {
		if e.selectedRef != "" && tmpl.Name != e.selectedRef {
			continue
		}
		coarse := matchTemplate(coarseEdges, tmpl.CoarseEdges, image.Rectangle{})
		if coarse.Score < coarseGate {
			continue
		}
		window := refineWindow(coarse.Loc, e.settings.CoarseScale, tmpl.Edges.Bounds().Dx(), tmpl.Edges.Bounds().Dy())
		full := matchTemplate(frameEdges, tmpl.Edges, window)
		if full.Score > best.Confidence {
			box := image.Rectangle{
				Min: full.Loc.Add(offset),
				Max: full.Loc.Add(offset).Add(image.Pt(tmpl.Edges.Bounds().Dx(), tmpl.Edges.Bounds().Dy())),
			}
			best = Result{
				Confidence: full.Score,
				Reference:  tmpl.Name,
				Box:        snapRect(box, gridSize),
			}
		}
	}

	if best.Confidence < 0 {
		best.Confidence = 0
	}
	best.Matched = best.Confidence >= e.threshold

	e.applyEventState(&best, ts, payload)

	e.lastResultMu.Lock()
	e.lastResult = best
	e.lastResultMu.Unlock()
	return best, nil
}

// regionOfInterest reads the persisted crop for this profile, empty when
// unset or malformed. Stored dimensions are clamped to the canonical
// frame with a minimum usable size.
func (e *Engine) regionOfInterest() image.Rectangle {
	read := func(key string) (int, bool) {
		val, ok, err := e.store.GetAppState(e.profileName + ":" + key)
		if err != nil || !ok {
			return 0, false
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return 0, false
		}
		return n, true
	}

	x, okX := read("roi_x")
	y, okY := read("roi_y")
	w, okW := read("roi_w")
	h, okH := read("roi_h")
	if !okX || !okY || !okW || !okH {
		return image.Rectangle{}
	}

	cw, ch := e.settings.CanonicalWidth, e.settings.CanonicalHeight
	x = min(max(x, 0), cw-minROIDim)
	y = min(max(y, 0), ch-minROIDim)
	w = min(max(w, minROIDim), cw-x)
	h = min(max(h, minROIDim), ch-y)
	return image.Rect(x, y, x+w, y+h)
}

// applyEventState tracks the match/no-match event lifecycle and drives
// debug-image persistence. Entering a match from a non-matching state is
// an event start; while the event holds, saves are rate limited; a
// no-match streak longer than the exit timeout ends the event.
func (e *Engine) applyEventState(res *Result, ts time.Time, payload []byte) {
	exitTimeout := time.Duration(e.settings.ExitTimeoutSec * float64(time.Second))
	saveInterval := time.Duration(e.settings.DebugSaveIntervalSec * float64(time.Second))

	if res.Matched {
		if !e.inEvent {
			e.inEvent = true
			res.EventStart = true
			e.saveDebugImage(res, ts, payload)
			e.lastDebugSave = ts
		} else if ts.Sub(e.lastDebugSave) >= saveInterval {
			e.saveDebugImage(res, ts, payload)
			e.lastDebugSave = ts
		}
		e.lastMatchAt = ts
		return
	}

	if e.inEvent && !e.lastMatchAt.IsZero() && ts.Sub(e.lastMatchAt) > exitTimeout {
		e.inEvent = false
	}
}

// saveDebugImage writes the frame as a JPEG, records it, and prunes the
// store back under its byte and count ceilings. A write failure is
// logged once and never interrupts monitoring.
func (e *Engine) saveDebugImage(res *Result, ts time.Time, payload []byte) {
	if err := e.writeDebugImage(res, ts, payload); err != nil {
		e.debugFailOnce.Do(func() {
			e.log.Warn().Err(err).Msg("Debug image persistence failing, monitoring continues")
		})
	}
}

func (e *Engine) writeDebugImage(res *Result, ts time.Time, payload []byte) error {
	if err := os.MkdirAll(e.debugDir, 0755); err != nil {
		return err
	}

	name := fmt.Sprintf("%s_%s_%d.jpg", e.profileName, res.Reference, ts.UnixMilli())
	path := filepath.Join(e.debugDir, name)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	img := rgbaFromBGR24(payload, e.frameWidth, e.frameHeight)
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 80}); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if err := e.store.AddDebugEntry(e.profileName, res.Reference, path, info.Size()); err != nil {
		return err
	}

	evicted, err := e.store.PruneDebugEntries(e.settings.DebugLimitBytes, e.settings.DebugLimitCount)
	if err != nil {
		return err
	}
	for _, p := range evicted {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			e.log.Debug().Err(err).Str("path", p).Msg("Could not remove evicted debug image")
		}
	}
	return nil
}
