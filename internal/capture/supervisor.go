package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/frametrace/frametrace/internal/framebus"
	"github.com/frametrace/frametrace/internal/logger"
)

// LogLevel classifies one line of encoder diagnostic output.
type LogLevel string

const (
	LevelInfo    LogLevel = "INFO"
	LevelWarning LogLevel = "WARNING"
	LevelError   LogLevel = "ERROR"
)

// LogEvent is one classified diagnostic line from the encoder process.
type LogEvent struct {
	Level   LogLevel
	Message string
}

const logEventBuffer = 512

// Supervisor owns one ffmpeg child process emitting raw bgr24 frames on
// stdout. Two goroutines run per capture: an exact-size frame reader
// feeding the bus, and a diagnostic-line classifier over stderr.
type Supervisor struct {
	Token   string
	Config  Config
	Session string

	ffmpegPath string
	backend    Backend
	bus        *framebus.Queue

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	stopOnce   sync.Once
	stop       chan struct{}
	readerDone chan struct{}
	stderrDone chan struct{}
	waitDone   chan struct{}

	framesCaptured atomic.Uint64

	mu        sync.Mutex
	lastError string
	started   bool

	logEvents chan LogEvent
}

// NewSupervisor creates a supervisor for one camera token and config,
// publishing frames to bus.
func NewSupervisor(ffmpegPath string, backend Backend, token string, cfg Config, bus *framebus.Queue) *Supervisor {
	return &Supervisor{
		Token:      token,
		Config:     cfg,
		Session:    uuid.NewString()[:8],
		ffmpegPath: ResolveFFmpegPath(ffmpegPath),
		backend:    backend,
		bus:        bus,
		stop:       make(chan struct{}),
		readerDone: make(chan struct{}),
		stderrDone: make(chan struct{}),
		waitDone:   make(chan struct{}),
		logEvents:  make(chan LogEvent, logEventBuffer),
	}
}

// Start spawns the encoder process and both reader goroutines. A missing
// executable surfaces as ErrFFmpegNotFound and is never retried here.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("capture already started")
	}

	log := logger.WithComponent("capture").With().Str("session", s.Session).Logger()

	args := BuildCaptureArgs(s.ffmpegPath, s.backend, s.Token, s.Config)
	s.cmd = exec.Command(args[0], args[1:]...)

	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	s.stdout = stdout

	stderr, err := s.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	s.stderr = stderr

	if err := s.cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrFFmpegNotFound, s.ffmpegPath)
		}
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	s.started = true

	go func() {
		s.cmd.Wait()
		close(s.waitDone)
	}()
	go s.readFrames()
	go s.readStderr()

	log.Info().
		Str("token", s.Token).
		Str("config", s.Config.Label).
		Int("pid", s.cmd.Process.Pid).
		Msg("Capture process started")
	return nil
}

// readFrames blocks on exact frame-size reads from stdout and pushes each
// frame to the bus. Any short or zero read ends the loop and marks the
// process for termination.
func (s *Supervisor) readFrames() {
	defer close(s.readerDone)
	log := logger.WithComponent("capture").With().Str("session", s.Session).Logger()

	frameSize := s.Config.FrameSize()
	reader := bufio.NewReaderSize(s.stdout, frameSize)

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		payload := make([]byte, frameSize)
		if _, err := io.ReadFull(reader, payload); err != nil {
			if !isStopRead(err) {
				s.setLastError(fmt.Sprintf("frame reader failed: %v", err))
				s.emitLog(LogEvent{Level: LevelError, Message: s.LastError()})
			}
			log.Debug().Err(err).Msg("Frame stream ended")
			s.terminateIfRunning()
			return
		}

		s.bus.Put(framebus.Packet{Timestamp: time.Now(), Payload: payload})
		s.framesCaptured.Add(1)
	}
}

// isStopRead reports whether a read error is the ordinary end of stream.
func isStopRead(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe)
}

// readStderr classifies each diagnostic line and publishes it through the
// bounded log-event channel. The most recent ERROR text is retained.
func (s *Supervisor) readStderr() {
	defer close(s.stderrDone)

	scanner := bufio.NewScanner(s.stderr)
	for scanner.Scan() {
		select {
		case <-s.stop:
			return
		default:
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		level := classifyLogLine(text)
		if level == LevelError {
			s.setLastError(text)
		}
		s.emitLog(LogEvent{Level: level, Message: text})
	}
}

// classifyLogLine maps encoder output to a severity by substring
// heuristics; ffmpeg does not tag its stderr lines reliably.
func classifyLogLine(text string) LogLevel {
	lowered := strings.ToLower(text)
	for _, token := range []string{"error", "failed", "invalid", "unable", "i/o"} {
		if strings.Contains(lowered, token) {
			return LevelError
		}
	}
	for _, token := range []string{"warning", "deprecated", "buffer"} {
		if strings.Contains(lowered, token) {
			return LevelWarning
		}
	}
	return LevelInfo
}

func (s *Supervisor) emitLog(ev LogEvent) {
	log := logger.WithComponent("capture").With().Str("session", s.Session).Logger()
	select {
	case s.logEvents <- ev:
	default:
		// Bounded queue full: drop rather than block the reader.
	}
	switch ev.Level {
	case LevelError:
		log.Error().Str("ffmpeg", ev.Message).Msg("Encoder diagnostic")
	case LevelWarning:
		log.Warn().Str("ffmpeg", ev.Message).Msg("Encoder diagnostic")
	default:
		log.Debug().Str("ffmpeg", ev.Message).Msg("Encoder diagnostic")
	}
}

// LogEvents returns the bounded channel of classified diagnostic lines.
func (s *Supervisor) LogEvents() <-chan LogEvent {
	return s.logEvents
}

// LastError returns the most recent ERROR-classified diagnostic text.
func (s *Supervisor) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

func (s *Supervisor) setLastError(text string) {
	s.mu.Lock()
	s.lastError = text
	s.mu.Unlock()
}

// FramesCaptured returns the number of complete frames read so far.
func (s *Supervisor) FramesCaptured() uint64 {
	return s.framesCaptured.Load()
}

// IsAlive reports process liveness only. A live process with stalled
// output is still "alive"; callers watch frame counters separately.
func (s *Supervisor) IsAlive() bool {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-s.waitDone:
		return false
	default:
		return true
	}
}

// Stop signals both loops to end, requests graceful process termination,
// escalates to a kill when the process outlives timeout, then joins both
// reader goroutines with the same bound.
func (s *Supervisor) Stop(timeout time.Duration) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}

	log := logger.WithComponent("capture").With().Str("session", s.Session).Logger()
	s.stopOnce.Do(func() { close(s.stop) })

	s.terminateIfRunning()
	select {
	case <-s.waitDone:
	case <-time.After(timeout):
		log.Warn().Msg("Capture process did not exit in time, killing")
		s.cmd.Process.Kill()
		<-s.waitDone
	}

	joinWithTimeout(s.readerDone, timeout)
	joinWithTimeout(s.stderrDone, timeout)

	log.Info().Uint64("frames", s.framesCaptured.Load()).Msg("Capture stopped")
}

// terminateIfRunning requests a graceful shutdown of the child process.
// Windows has no SIGTERM delivery, so the kill is immediate there.
func (s *Supervisor) terminateIfRunning() {
	if !s.IsAlive() {
		return
	}
	if runtime.GOOS == "windows" {
		s.cmd.Process.Kill()
		return
	}
	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.cmd.Process.Kill()
	}
}

func joinWithTimeout(done <-chan struct{}, timeout time.Duration) {
	select {
	case <-done:
	case <-time.After(timeout):
	}
}
