package detect

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/image/draw"

	"github.com/frametrace/frametrace/internal/logger"
)

// template is one prepared reference: full-resolution edge map plus a
// downscaled copy for the coarse pass.
type template struct {
	Name        string
	Edges       *image.Gray
	CoarseEdges *image.Gray
}

// templateCache prepares reference templates from a directory and
// invalidates itself when the directory contents change. The signature
// covers file names, sizes, and modification times, so an edited
// reference reloads without a restart.
type templateCache struct {
	dir         string
	coarseScale int

	signature string
	templates []template
}

func newTemplateCache(dir string, coarseScale int) *templateCache {
	return &templateCache{dir: dir, coarseScale: coarseScale}
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}

// dirSignature summarizes the reference directory contents.
func dirSignature(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isImageFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s:%d:%d", e.Name(), info.Size(), info.ModTime().UnixNano()))
	}
	sort.Strings(parts)
	return strings.Join(parts, ";"), nil
}

// Load returns the prepared templates, reloading when the directory
// signature changed. Undecodable files are skipped with a warning.
func (c *templateCache) Load() ([]template, error) {
	sig, err := dirSignature(c.dir)
	if err != nil {
		return nil, err
	}
	if sig == c.signature && c.templates != nil {
		return c.templates, nil
	}

	log := logger.WithComponent("detect")
	entries, _ := os.ReadDir(c.dir)
	templates := make([]template, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isImageFile(e.Name()) {
			continue
		}
		t, err := c.prepare(filepath.Join(c.dir, e.Name()))
		if err != nil {
			log.Warn().Err(err).Str("file", e.Name()).Msg("Skipping unreadable reference")
			continue
		}
		templates = append(templates, t)
	}

	c.signature = sig
	c.templates = templates
	log.Debug().Int("count", len(templates)).Msg("Reference templates loaded")
	return templates, nil
}

func (c *templateCache) prepare(path string) (template, error) {
	f, err := os.Open(path)
	if err != nil {
		return template{}, err
	}
	defer f.Close()

	decoded, _, err := image.Decode(f)
	if err != nil {
		return template{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}

	b := decoded.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), decoded, b.Min, draw.Src)

	coarseW := max(b.Dx()/c.coarseScale, 1)
	coarseH := max(b.Dy()/c.coarseScale, 1)

	return template{
		Name:        strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Edges:       edgeMap(gray),
		CoarseEdges: edgeMap(resizeGray(gray, coarseW, coarseH)),
	}, nil
}
