package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/frametrace/frametrace/internal/capture"
	"github.com/frametrace/frametrace/internal/config"
	"github.com/frametrace/frametrace/internal/logger"
)

const (
	frameWait    = 500 * time.Millisecond
	livenessPoll = 150 * time.Millisecond
	metricsEvery = 5 * time.Second
)

// Arbiter is the camera ownership surface the orchestrator drives.
// *capture.ResourceManager is the real implementation.
type Arbiter interface {
	Acquire(role capture.Role, token string, cfg capture.Config) (*capture.Lease, error)
	WaitCooldown(ctx context.Context, token string) error
	PausePreview(token string) bool
	ResumePreview(ctx context.Context, token string) error
}

// DeviceResolver resolves a stored camera display name to live inputs.
type DeviceResolver interface {
	BuildInputCandidates(ctx context.Context, displayName string) ([]capture.InputCandidate, error)
}

// Profiles is the profile surface the orchestrator reads and, for stale
// camera selections, clears.
type Profiles interface {
	CameraDevice(name string) (string, error)
	SetCameraDevice(name, device string) error
	TargetFPS(name string) int
	FrameSize(name string) (int, int)
}

// Detection is the per-frame outcome the evaluator reports back.
type Detection struct {
	Matched    bool
	Confidence float64
	EventStart bool
	Reference  string
}

// FrameEvaluator scores one raw bgr24 frame against the profile's
// reference set. Implemented by the detection engine.
type FrameEvaluator interface {
	// CheckReferences errors when the profile has no usable templates
	// or its selected reference names a missing one.
	CheckReferences() error
	Evaluate(payload []byte, ts time.Time) (Detection, error)
}

// EvaluatorFactory builds the evaluator for one profile at session start.
type EvaluatorFactory func(profileName string) FrameEvaluator

// Alerter receives fire-and-forget match notifications. It applies its
// own cooldown; the orchestrator calls it on every event start.
type Alerter interface {
	Alert(profileName, reference string, confidence float64)
}

// Metrics is the periodic monitoring snapshot.
type Metrics struct {
	CaptureFPS        float64   `json:"capture_fps"`
	ProcessFPS        float64   `json:"process_fps"`
	DroppedFrames     uint64    `json:"dropped_frames"`
	QueueFillPercent  float64   `json:"queue_fill_percent"`
	LastDetectionTime time.Time `json:"last_detection_time"`
	Confidence        float64   `json:"confidence"`
}

// Orchestrator drives a profile's capture into a running detection loop
// and owns the lifecycle machine for it. One orchestrator instance
// serves one monitoring session at a time.
type Orchestrator struct {
	cfg          *config.Config
	machine      *Machine
	arbiter      Arbiter
	resolver     DeviceResolver
	profiles     Profiles
	newEvaluator EvaluatorFactory
	alerter      Alerter

	log zerolog.Logger

	mu          sync.Mutex
	profileName string
	lease       *capture.Lease
	stop        chan struct{}
	stopOnce    *sync.Once
	runDone     chan struct{}
	pausedToken string
	status      string
	metrics     Metrics

	statusCh  chan string
	metricsCh chan Metrics
}

// NewOrchestrator wires an orchestrator. alerter may be nil.
func NewOrchestrator(cfg *config.Config, arbiter Arbiter, resolver DeviceResolver, profiles Profiles, newEvaluator EvaluatorFactory, alerter Alerter) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		machine:      NewMachine(),
		arbiter:      arbiter,
		resolver:     resolver,
		profiles:     profiles,
		newEvaluator: newEvaluator,
		alerter:      alerter,
		log:          *logger.WithComponent("monitor"),
		statusCh:     make(chan string, 32),
		metricsCh:    make(chan Metrics, 8),
	}
}

// Machine exposes the lifecycle machine for observers.
func (o *Orchestrator) Machine() *Machine { return o.machine }

// State returns the current lifecycle state.
func (o *Orchestrator) State() State { return o.machine.State() }

// Status returns the latest status text.
func (o *Orchestrator) Status() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// StatusEvents streams status text updates. Slow readers miss updates
// rather than blocking monitoring.
func (o *Orchestrator) StatusEvents() <-chan string { return o.statusCh }

// Metrics returns the latest metrics snapshot.
func (o *Orchestrator) Metrics() Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.metrics
}

// MetricsEvents streams periodic metrics snapshots.
func (o *Orchestrator) MetricsEvents() <-chan Metrics { return o.metricsCh }

// Profile returns the profile of the active or last session.
func (o *Orchestrator) Profile() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.profileName
}

func (o *Orchestrator) setStatus(text string) {
	o.mu.Lock()
	o.status = text
	o.mu.Unlock()
	o.log.Info().Str("status", text).Msg("Monitor status")
	select {
	case o.statusCh <- text:
	default:
	}
}

func (o *Orchestrator) publishMetrics(m Metrics) {
	o.mu.Lock()
	o.metrics = m
	o.mu.Unlock()
	select {
	case o.metricsCh <- m:
	default:
	}
}

// fail records status, moves to FAILED, and returns the failure.
func (o *Orchestrator) fail(status string) error {
	o.setStatus(status)
	if err := o.machine.MarkFailed(); err != nil {
		o.log.Warn().Err(err).Msg("Failed-state transition rejected")
	}
	return errors.New(status)
}

// Run executes one monitoring session for profileName on the calling
// goroutine. It returns when the session ends: a clean stop returns
// nil, anything else returns the failure already reflected in state and
// status. Callers normally run it on a dedicated goroutine.
func (o *Orchestrator) Run(ctx context.Context, profileName string) error {
	if err := o.machine.RequestStart(); err != nil {
		return err
	}

	stop := make(chan struct{})
	runDone := make(chan struct{})
	o.mu.Lock()
	o.profileName = profileName
	o.stop = stop
	o.stopOnce = &sync.Once{}
	o.runDone = runDone
	o.pausedToken = ""
	o.mu.Unlock()
	defer close(runDone)

	// Preconditions fail fast without touching the camera.
	if profileName == "" {
		return o.fail("no profile selected")
	}
	evaluator := o.newEvaluator(profileName)
	if err := evaluator.CheckReferences(); err != nil {
		return o.fail(err.Error())
	}
	device, err := o.profiles.CameraDevice(profileName)
	if err != nil {
		return o.fail(fmt.Sprintf("profile lookup failed: %v", err))
	}
	if device == "" {
		return o.fail("no camera selected")
	}

	o.setStatus("resolving camera " + device)
	candidates, err := o.resolver.BuildInputCandidates(ctx, device)
	if err != nil {
		if errors.Is(err, capture.ErrFFmpegNotFound) {
			return o.fail("ffmpeg executable not found")
		}
		return o.fail(fmt.Sprintf("device enumeration failed: %v", err))
	}
	if len(candidates) == 0 {
		// Stored selection no longer matches any device. Clear it so
		// the user reselects instead of retrying into the same wall.
		if err := o.profiles.SetCameraDevice(profileName, ""); err != nil {
			o.log.Warn().Err(err).Msg("Could not clear stale camera selection")
		}
		return o.fail(fmt.Sprintf("camera %q not found, selection cleared", device))
	}
	cand := candidates[0]

	if o.arbiter.PausePreview(cand.Token) {
		o.mu.Lock()
		o.pausedToken = cand.Token
		o.mu.Unlock()
	}
	defer o.resumePausedPreview()

	fps := o.profiles.TargetFPS(profileName)
	width, height := o.profiles.FrameSize(profileName)
	ladder := capture.BuildConfigLadder(width, height, fps, cand.IsVirtual)

	budget := o.cfg.Capture.RetryBudget
	if budget > len(ladder) {
		budget = len(ladder)
	}

	lastDiag := ""
	for attempt := 1; attempt <= budget; attempt++ {
		if stopped(stop) {
			return o.cancelStartup()
		}

		entry := ladder[attempt-1]
		o.setStatus(fmt.Sprintf("starting capture (%s)", entry.Label))

		if err := o.arbiter.WaitCooldown(ctx, cand.Token); err != nil {
			return o.cancelStartup()
		}

		lease, err := o.arbiter.Acquire(capture.RoleMonitoring, cand.Token, entry)
		if err != nil {
			var conflict *capture.ConflictError
			if errors.As(err, &conflict) {
				return o.fail(conflict.Error())
			}
			if errors.Is(err, capture.ErrFFmpegNotFound) {
				return o.fail("ffmpeg executable not found")
			}
			lastDiag = err.Error()
			o.retryStatus(attempt, budget, lastDiag)
			continue
		}

		// Grace period: the common startup failure is a process that
		// spawns fine and dies within the first second.
		if !o.waitGrace(stop) {
			lease.Release()
			return o.cancelStartup()
		}
		if !lease.Sup.IsAlive() {
			lastDiag = lease.Sup.LastError()
			if lastDiag == "" {
				lastDiag = "capture process exited during startup"
			}
			lease.Release()
			o.retryStatus(attempt, budget, lastDiag)
			continue
		}

		o.mu.Lock()
		o.lease = lease
		o.mu.Unlock()

		if o.machine.State() == StateStarting {
			if err := o.machine.MarkRunning(); err != nil {
				lease.Release()
				return err
			}
		}
		o.setStatus(fmt.Sprintf("monitoring %s (%s)", profileName, entry.Label))

		procStop := make(chan struct{})
		procDone := make(chan struct{})
		go o.processLoop(lease, evaluator, width, height, procStop, procDone)

		stopRequested, diag := o.superviseLiveness(lease, stop)
		close(procStop)
		<-procDone

		o.mu.Lock()
		o.lease = nil
		o.mu.Unlock()

		if stopRequested {
			lease.Release()
			return o.finishStop()
		}

		// Process died mid-run.
		if diag != "" {
			lastDiag = diag
		} else if le := lease.Sup.LastError(); le != "" {
			lastDiag = le
		} else {
			lastDiag = "capture process exited unexpectedly"
		}
		lease.Release()
		o.retryStatus(attempt, budget, lastDiag)
	}

	if lastDiag == "" {
		lastDiag = "no capture configuration succeeded"
	}
	return o.fail("capture failed: " + lastDiag)
}

func stopped(stop chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) retryStatus(attempt, budget int, diag string) {
	if attempt < budget {
		o.setStatus(fmt.Sprintf("retrying (%d/%d): %s", attempt, budget, diag))
	}
}

// waitGrace sleeps the startup grace period, returning false when a stop
// arrived during the wait.
func (o *Orchestrator) waitGrace(stop chan struct{}) bool {
	select {
	case <-time.After(o.cfg.StartupGrace()):
		return true
	case <-stop:
		return false
	}
}

// cancelStartup resolves a stop request that arrived before RUNNING. The
// machine has no STARTING to STOPPING edge, so the session folds through
// FAILED straight back to IDLE.
func (o *Orchestrator) cancelStartup() error {
	o.setStatus("monitoring cancelled")
	if o.machine.State() == StateStarting {
		o.machine.MarkFailed()
	}
	o.machine.RequestStop()
	o.machine.MarkIdle()
	return nil
}

// finishStop completes a requested stop from RUNNING.
func (o *Orchestrator) finishStop() error {
	o.machine.RequestStop()
	o.machine.MarkIdle()
	o.setStatus("monitoring stopped")
	return nil
}

func (o *Orchestrator) resumePausedPreview() {
	o.mu.Lock()
	token := o.pausedToken
	o.pausedToken = ""
	o.mu.Unlock()
	if token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.arbiter.ResumePreview(ctx, token); err != nil {
		o.log.Warn().Err(err).Str("token", token).Msg("Could not resume preview")
	}
}

// superviseLiveness polls the capture process and drains its diagnostic
// events until a stop is requested or the process dies. Returns whether
// the exit was a requested stop, plus the last ERROR text seen.
func (o *Orchestrator) superviseLiveness(lease *capture.Lease, stop chan struct{}) (stopRequested bool, lastDiag string) {
	ticker := time.NewTicker(livenessPoll)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return true, lastDiag
		case ev := <-lease.Sup.LogEvents():
			if ev.Level == capture.LevelError {
				lastDiag = ev.Message
				o.setStatus("capture error: " + ev.Message)
			}
		case <-ticker.C:
			if !lease.Sup.IsAlive() {
				return false, lastDiag
			}
		}
	}
}

// processLoop consumes frames and runs detection until told to stop. It
// also owns the periodic metrics snapshot.
func (o *Orchestrator) processLoop(lease *capture.Lease, evaluator FrameEvaluator, width, height int, procStop, procDone chan struct{}) {
	defer close(procDone)

	profileName := o.Profile()
	wantSize := width * height * 3

	var (
		processed      uint64
		sizeMismatches uint64
		lastCaptured   uint64
		lastProcessed  uint64
		lastMatch      time.Time
		lastConfidence float64
	)

	metricsTicker := time.NewTicker(metricsEvery)
	defer metricsTicker.Stop()

	for {
		select {
		case <-procStop:
			return
		case <-metricsTicker.C:
			captured := lease.Sup.FramesCaptured()
			secs := metricsEvery.Seconds()
			o.publishMetrics(Metrics{
				CaptureFPS:        float64(captured-lastCaptured) / secs,
				ProcessFPS:        float64(processed-lastProcessed) / secs,
				DroppedFrames:     lease.Bus.Dropped() + sizeMismatches,
				QueueFillPercent:  100 * float64(lease.Bus.Len()) / float64(lease.Bus.Cap()),
				LastDetectionTime: lastMatch,
				Confidence:        lastConfidence,
			})
			lastCaptured = captured
			lastProcessed = processed
		default:
		}

		pkt, ok := lease.Bus.Get(frameWait)
		if !ok || pkt.Stale {
			continue
		}
		if len(pkt.Payload) != wantSize {
			// Malformed frame from the stream: drop and count, never fatal.
			sizeMismatches++
			continue
		}

		det, err := evaluator.Evaluate(pkt.Payload, pkt.Timestamp)
		if err != nil {
			o.log.Debug().Err(err).Msg("Frame evaluation failed")
			continue
		}
		processed++

		if det.Matched {
			lastMatch = pkt.Timestamp
			lastConfidence = det.Confidence
		}
		if det.EventStart && o.alerter != nil {
			o.alerter.Alert(profileName, det.Reference, det.Confidence)
		}
	}
}

// Stop ends the active session. Idempotent: stopping an idle or already
// stopping orchestrator is a no-op. It returns once the session goroutine
// has finished and state is back to IDLE.
func (o *Orchestrator) Stop(ctx context.Context) error {
	state := o.machine.State()
	if state == StateIdle || state == StateStopping {
		return nil
	}

	o.mu.Lock()
	stop := o.stop
	stopOnce := o.stopOnce
	runDone := o.runDone
	o.mu.Unlock()

	if stop != nil {
		stopOnce.Do(func() { close(stop) })
	}
	if runDone != nil {
		select {
		case <-runDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// A session that already ended in FAILED still needs folding back
	// to IDLE so the next start can proceed.
	if o.machine.State() == StateFailed {
		o.machine.RequestStop()
		o.machine.MarkIdle()
	}
	return nil
}
