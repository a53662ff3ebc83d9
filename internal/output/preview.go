package output

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/frametrace/frametrace/internal/framebus"
	"github.com/frametrace/frametrace/internal/logger"
)

// Preview streams camera frames as Motion JPEG over HTTP so a browser
// can show the live view while selecting cameras or framing references.
// It samples the frame bus non-destructively: the monitoring loop is the
// only destructive consumer of any shared stream.
type Preview struct {
	fps int

	mu      sync.RWMutex
	source  *framebus.Queue
	width   int
	height  int
	running bool
	stop    chan struct{}
	done    chan struct{}

	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	frameCount uint64
	lastUpdate time.Time
	startTime  time.Time
}

// NewPreview creates a preview streamer sampling at fps.
func NewPreview(fps int) *Preview {
	if fps < 1 {
		fps = 15
	}
	return &Preview{
		fps:     fps,
		clients: make(map[chan []byte]struct{}),
	}
}

// SetSource points the preview at a frame queue with known geometry.
func (p *Preview) SetSource(q *framebus.Queue, width, height int) {
	p.mu.Lock()
	p.source = q
	p.width = width
	p.height = height
	p.mu.Unlock()
}

// SetQueue swaps only the queue, keeping the last known geometry. Wired
// as the resource manager's preview sink: a nil queue means the preview
// stream was paused or released and the view goes dark until resumed.
func (p *Preview) SetQueue(q *framebus.Queue) {
	p.mu.Lock()
	p.source = q
	p.mu.Unlock()
}

// Start launches the sampling loop.
func (p *Preview) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("preview already running")
	}
	p.running = true
	p.startTime = time.Now()
	p.frameCount = 0
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.sample(p.stop, p.done)

	logger.WithComponent("preview").Info().Int("fps", p.fps).Msg("Preview output started")
	return nil
}

// Stop ends the sampling loop and disconnects all clients.
func (p *Preview) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stop)
	done := p.done
	p.mu.Unlock()
	<-done

	p.clientsMu.Lock()
	for ch := range p.clients {
		close(ch)
	}
	p.clients = make(map[chan []byte]struct{})
	p.clientsMu.Unlock()

	logger.WithComponent("preview").Info().Uint64("frames", p.frameCount).Msg("Preview output stopped")
	return nil
}

func (p *Preview) sample(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second / time.Duration(p.fps))
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		p.mu.RLock()
		source := p.source
		width, height := p.width, p.height
		p.mu.RUnlock()
		if source == nil || width == 0 {
			continue
		}

		pkt, ok := source.PeekLatest()
		if !ok || pkt.Stale || len(pkt.Payload) != width*height*3 {
			continue
		}

		buf := new(bytes.Buffer)
		if err := jpeg.Encode(buf, rgbaFrame(pkt.Payload, width, height), &jpeg.Options{Quality: 80}); err != nil {
			continue
		}

		p.mu.Lock()
		p.frameCount++
		p.lastUpdate = time.Now()
		p.mu.Unlock()

		p.broadcast(buf.Bytes())
	}
}

func (p *Preview) broadcast(jpegData []byte) {
	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	for ch := range p.clients {
		select {
		case ch <- jpegData:
		default:
			// Slow client skips this frame.
		}
	}
}

func rgbaFrame(payload []byte, width, height int) *image.RGBA {
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

// ClientCount returns the number of connected stream clients.
func (p *Preview) ClientCount() int {
	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	return len(p.clients)
}

// Stats summarizes the preview output for the API.
type Stats struct {
	Running    bool      `json:"running"`
	Clients    int       `json:"clients"`
	Frames     uint64    `json:"frames"`
	FPS        float64   `json:"fps"`
	LastUpdate time.Time `json:"last_update"`
}

// GetStats returns a stats snapshot.
func (p *Preview) GetStats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var fps float64
	if p.running && !p.startTime.IsZero() {
		if elapsed := time.Since(p.startTime).Seconds(); elapsed > 0 {
			fps = float64(p.frameCount) / elapsed
		}
	}
	return Stats{
		Running:    p.running,
		Clients:    p.ClientCount(),
		Frames:     p.frameCount,
		FPS:        fps,
		LastUpdate: p.lastUpdate,
	}
}

// StreamHandler serves the multipart MJPEG stream.
func (p *Preview) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Connection", "close")

		frameChan := make(chan []byte, 2)
		p.clientsMu.Lock()
		p.clients[frameChan] = struct{}{}
		count := len(p.clients)
		p.clientsMu.Unlock()
		logger.WithComponent("preview").Info().Int("clients", count).Msg("Preview client connected")

		defer func() {
			p.clientsMu.Lock()
			delete(p.clients, frameChan)
			count := len(p.clients)
			p.clientsMu.Unlock()
			logger.WithComponent("preview").Info().Int("clients", count).Msg("Preview client disconnected")
		}()

		for jpegData := range frameChan {
			if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
				return
			}
			if _, err := w.Write(jpegData); err != nil {
				return
			}
			if _, err := fmt.Fprint(w, "\r\n"); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}
}

// ViewerHandler serves a minimal page wrapping the stream.
func (p *Preview) ViewerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>FrameTrace Preview</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            background: #000;
            display: flex;
            justify-content: center;
            align-items: center;
            min-height: 100vh;
        }
        img {
            width: 100vw;
            height: 100vh;
            object-fit: contain;
            display: block;
            background: #000;
        }
    </style>
</head>
<body>
    <img src="/preview/stream" alt="FrameTrace Camera Preview">
</body>
</html>`))
	}
}
