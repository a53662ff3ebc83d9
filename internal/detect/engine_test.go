package detect

import (
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frametrace/frametrace/internal/config"
	"github.com/frametrace/frametrace/internal/storage"
)

const (
	testFrameW = 64
	testFrameH = 64
)

func testSettings() config.DetectionSettings {
	return config.DetectionSettings{
		CanonicalWidth:       testFrameW,
		CanonicalHeight:      testFrameH,
		CoarseScale:          4,
		CoarseFloor:          0.1,
		CoarseFactor:         0.5,
		ExitTimeoutSec:       0.6,
		DebugSaveIntervalSec: 0,
		DebugLimitBytes:      1 << 30,
		DebugLimitCount:      2000,
	}
}

// framePayload builds a bgr24 frame: black with a white square at (x, y).
func framePayload(x, y, side int) []byte {
	payload := make([]byte, testFrameW*testFrameH*3)
	for yy := y; yy < y+side; yy++ {
		for xx := x; xx < x+side; xx++ {
			i := (yy*testFrameW + xx) * 3
			payload[i], payload[i+1], payload[i+2] = 255, 255, 255
		}
	}
	return payload
}

// writeReference saves a crop of the frame as a PNG template.
func writeReference(t *testing.T, dir, name string, payload []byte, crop image.Rectangle) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	gray := grayFromBGR24(payload, testFrameW, testFrameH)
	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, cropGray(gray, crop)))
}

func newTestEngine(t *testing.T, threshold float64, settings config.DetectionSettings) (*Engine, *storage.Store, string) {
	t.Helper()
	root := t.TempDir()
	store, err := storage.Open(filepath.Join(root, "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.CreateProfile("desk"))

	refDir := filepath.Join(root, "references")
	debugDir := filepath.Join(root, "debug")
	e := NewEngine(store, "desk", refDir, debugDir, threshold, settings)
	e.SetFrameSize(testFrameW, testFrameH)
	return e, store, refDir
}

func TestEvaluateFrameMatchesKnownTarget(t *testing.T) {
	e, _, refDir := newTestEngine(t, 0.5, testSettings())
	payload := framePayload(24, 24, 16)
	writeReference(t, refDir, "square.png", payload, image.Rect(16, 16, 48, 48))

	res, err := e.EvaluateFrame(payload, time.Unix(100, 0))
	require.NoError(t, err)

	assert.True(t, res.Matched)
	assert.Greater(t, res.Confidence, 0.5)
	assert.Equal(t, "square", res.Reference)
	assert.True(t, res.EventStart)
}

func TestSelectedReferenceRestrictsMatching(t *testing.T) {
	payload := framePayload(24, 24, 16)
	write := func(t *testing.T, refDir string) {
		writeReference(t, refDir, "square.png", payload, image.Rect(16, 16, 48, 48))
		// A featureless crop that can never score above the threshold.
		writeReference(t, refDir, "blank.png", payload, image.Rect(0, 0, 12, 12))
	}

	e, _, refDir := newTestEngine(t, 0.5, testSettings())
	write(t, refDir)
	e.SelectReference("blank")
	res, err := e.EvaluateFrame(payload, time.Unix(100, 0))
	require.NoError(t, err)
	assert.False(t, res.Matched, "only the selected reference may compete")

	e2, _, refDir2 := newTestEngine(t, 0.5, testSettings())
	write(t, refDir2)
	e2.SelectReference("square")
	res, err = e2.EvaluateFrame(payload, time.Unix(100, 0))
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, "square", res.Reference)
}

func TestCheckReferences(t *testing.T) {
	e, _, refDir := newTestEngine(t, 0.5, testSettings())

	require.Error(t, e.CheckReferences(), "empty reference directory")

	payload := framePayload(24, 24, 16)
	writeReference(t, refDir, "square.png", payload, image.Rect(16, 16, 48, 48))
	require.NoError(t, e.CheckReferences())

	e.SelectReference("badge")
	err := e.CheckReferences()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "badge")

	e.SelectReference("square")
	require.NoError(t, e.CheckReferences())
}

func TestEvaluateFrameRejectsUnrelatedFrame(t *testing.T) {
	e, _, refDir := newTestEngine(t, 0.5, testSettings())
	target := framePayload(24, 24, 16)
	writeReference(t, refDir, "square.png", target, image.Rect(16, 16, 48, 48))

	res, err := e.EvaluateFrame(framePayload(0, 0, 0), time.Unix(100, 0))
	require.NoError(t, err)
	assert.False(t, res.Matched)
}

func TestEvaluateFrameIsDeterministic(t *testing.T) {
	payload := framePayload(24, 24, 16)

	run := func() Result {
		e, _, refDir := newTestEngine(t, 0.5, testSettings())
		writeReference(t, refDir, "square.png", payload, image.Rect(16, 16, 48, 48))
		res, err := e.EvaluateFrame(payload, time.Unix(100, 0))
		require.NoError(t, err)
		return res
	}

	a, b := run(), run()
	assert.Equal(t, a.Matched, b.Matched)
	assert.Equal(t, a.Confidence, b.Confidence)
	assert.Equal(t, a.Box, b.Box)
}

func TestEvaluateFrameBoxOnGrid(t *testing.T) {
	e, _, refDir := newTestEngine(t, 0.5, testSettings())
	payload := framePayload(21, 13, 16)
	writeReference(t, refDir, "square.png", payload, image.Rect(13, 5, 45, 37))

	res, err := e.EvaluateFrame(payload, time.Unix(100, 0))
	require.NoError(t, err)
	require.True(t, res.Matched)

	assert.Zero(t, res.Box.Min.X%gridSize)
	assert.Zero(t, res.Box.Min.Y%gridSize)
	assert.Zero(t, res.Box.Max.X%gridSize)
	assert.Zero(t, res.Box.Max.Y%gridSize)
}

func TestEventStartOnlyOnEntry(t *testing.T) {
	settings := testSettings()
	settings.DebugSaveIntervalSec = 3600
	e, _, refDir := newTestEngine(t, 0.5, settings)
	payload := framePayload(24, 24, 16)
	writeReference(t, refDir, "square.png", payload, image.Rect(16, 16, 48, 48))

	base := time.Unix(100, 0)
	res, err := e.EvaluateFrame(payload, base)
	require.NoError(t, err)
	assert.True(t, res.EventStart)

	res, err = e.EvaluateFrame(payload, base.Add(100*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, res.EventStart, "continuous match is not a new event")

	// A short miss inside the exit timeout keeps the event open.
	_, err = e.EvaluateFrame(framePayload(0, 0, 0), base.Add(300*time.Millisecond))
	require.NoError(t, err)
	res, err = e.EvaluateFrame(payload, base.Add(400*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, res.EventStart)

	// A miss past the exit timeout closes it; the next match is new.
	_, err = e.EvaluateFrame(framePayload(0, 0, 0), base.Add(2*time.Second))
	require.NoError(t, err)
	res, err = e.EvaluateFrame(payload, base.Add(3*time.Second))
	require.NoError(t, err)
	assert.True(t, res.EventStart)
}

func TestDebugStoreStaysWithinBounds(t *testing.T) {
	settings := testSettings()
	settings.DebugLimitCount = 3
	e, store, refDir := newTestEngine(t, 0.5, settings)
	payload := framePayload(24, 24, 16)
	writeReference(t, refDir, "square.png", payload, image.Rect(16, 16, 48, 48))

	// Save interval zero means every matching frame persists an image.
	base := time.Unix(100, 0)
	for i := 0; i < 8; i++ {
		_, err := e.EvaluateFrame(payload, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	entries, err := store.ListDebugEntries("desk")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(entries), 3)

	// Survivors are the newest; their files exist, evicted files do not.
	files, err := os.ReadDir(filepath.Join(filepath.Dir(refDir), "debug"))
	require.NoError(t, err)
	assert.Len(t, files, len(entries))
}

func TestRegionOfInterestClampsStoredValues(t *testing.T) {
	e, store, _ := newTestEngine(t, 0.5, testSettings())

	set := func(key string, v int) {
		require.NoError(t, store.SetAppState("desk:"+key, intString(v)))
	}
	set("roi_x", -50)
	set("roi_y", 10)
	set("roi_w", 10000)
	set("roi_h", 4)

	roi := e.regionOfInterest()
	require.False(t, roi.Empty())
	assert.GreaterOrEqual(t, roi.Min.X, 0)
	assert.LessOrEqual(t, roi.Max.X, testFrameW)
	assert.GreaterOrEqual(t, roi.Dx(), minROIDim)
	assert.GreaterOrEqual(t, roi.Dy(), minROIDim)
	assert.LessOrEqual(t, roi.Max.Y, testFrameH)
}

func TestRegionOfInterestAbsentWhenUnset(t *testing.T) {
	e, _, _ := newTestEngine(t, 0.5, testSettings())
	assert.True(t, e.regionOfInterest().Empty())
}

func intString(v int) string {
	return strconv.Itoa(v)
}
