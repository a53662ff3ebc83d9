package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frametrace/frametrace/internal/capture"
	"github.com/frametrace/frametrace/internal/config"
	"github.com/frametrace/frametrace/internal/framebus"
)

type fakeProc struct {
	alive     bool
	lastError string
	events    chan capture.LogEvent
}

func (f *fakeProc) Start() error                          { return nil }
func (f *fakeProc) Stop(timeout time.Duration)            {}
func (f *fakeProc) IsAlive() bool                         { return f.alive }
func (f *fakeProc) LastError() string                     { return f.lastError }
func (f *fakeProc) LogEvents() <-chan capture.LogEvent    { return f.events }
func (f *fakeProc) FramesCaptured() uint64                { return 0 }

type fakeArbiter struct {
	mu       sync.Mutex
	proc     func() *fakeProc
	acquired int
	paused   []string
	resumed  []string
}

func (f *fakeArbiter) Acquire(role capture.Role, token string, cfg capture.Config) (*capture.Lease, error) {
	f.mu.Lock()
	f.acquired++
	f.mu.Unlock()
	return &capture.Lease{
		Role:  role,
		Token: token,
		Sup:   f.proc(),
		Bus:   framebus.NewQueue(8, framebus.DropOldest),
	}, nil
}

func (f *fakeArbiter) WaitCooldown(ctx context.Context, token string) error { return nil }

func (f *fakeArbiter) PausePreview(token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, token)
	return true
}

func (f *fakeArbiter) ResumePreview(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, token)
	return nil
}

type fakeResolver struct {
	candidates []capture.InputCandidate
}

func (f *fakeResolver) BuildInputCandidates(ctx context.Context, displayName string) ([]capture.InputCandidate, error) {
	return f.candidates, nil
}

type fakeProfiles struct {
	mu      sync.Mutex
	device  string
	cleared bool
}

func (f *fakeProfiles) CameraDevice(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.device, nil
}

func (f *fakeProfiles) SetCameraDevice(name, device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.device = device
	if device == "" {
		f.cleared = true
	}
	return nil
}

func (f *fakeProfiles) TargetFPS(name string) int          { return 30 }
func (f *fakeProfiles) FrameSize(name string) (int, int)   { return 1280, 720 }

type fakeEvaluator struct {
	references bool
	refErr     error
}

func (f *fakeEvaluator) CheckReferences() error {
	if f.refErr != nil {
		return f.refErr
	}
	if !f.references {
		return errors.New("no reference images for this profile")
	}
	return nil
}
func (f *fakeEvaluator) Evaluate(payload []byte, ts time.Time) (Detection, error) {
	return Detection{}, nil
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Capture.StartupGraceSec = 0.01
	return cfg
}

func evaluatorFactory(e FrameEvaluator) EvaluatorFactory {
	return func(profileName string) FrameEvaluator { return e }
}

func newTestOrchestrator(arb *fakeArbiter, profiles *fakeProfiles, evaluator FrameEvaluator) *Orchestrator {
	resolver := &fakeResolver{candidates: []capture.InputCandidate{
		{Token: "/dev/video0", Reason: "stored selection matches enumeration"},
	}}
	return NewOrchestrator(testConfig(), arb, resolver, profiles, evaluatorFactory(evaluator), nil)
}

func TestRunFailsWhenEveryLadderEntryDies(t *testing.T) {
	arb := &fakeArbiter{proc: func() *fakeProc {
		return &fakeProc{alive: false, lastError: "Device or resource busy: I/O error", events: make(chan capture.LogEvent)}
	}}
	profiles := &fakeProfiles{device: "Integrated Camera"}
	o := newTestOrchestrator(arb, profiles, &fakeEvaluator{references: true})

	err := o.Run(context.Background(), "desk")
	require.Error(t, err)

	assert.Equal(t, StateFailed, o.State())
	assert.Contains(t, o.Status(), "Device or resource busy")
	assert.Equal(t, testConfig().Capture.RetryBudget, arb.acquired, "one acquire per retry attempt")
	assert.Equal(t, arb.paused, arb.resumed, "paused preview must be resumed on failure")
}

func TestRunFailsFastWithoutReferences(t *testing.T) {
	arb := &fakeArbiter{proc: func() *fakeProc { return &fakeProc{} }}
	o := newTestOrchestrator(arb, &fakeProfiles{device: "Integrated Camera"}, &fakeEvaluator{references: false})

	err := o.Run(context.Background(), "desk")
	require.Error(t, err)
	assert.Equal(t, StateFailed, o.State())
	assert.Contains(t, o.Status(), "reference")
	assert.Zero(t, arb.acquired, "preconditions must not touch the camera")
}

func TestRunFailsFastWhenSelectedReferenceMissing(t *testing.T) {
	arb := &fakeArbiter{proc: func() *fakeProc { return &fakeProc{} }}
	evaluator := &fakeEvaluator{references: true, refErr: errors.New(`selected reference "badge" not found`)}
	o := newTestOrchestrator(arb, &fakeProfiles{device: "Integrated Camera"}, evaluator)

	err := o.Run(context.Background(), "desk")
	require.Error(t, err)
	assert.Equal(t, StateFailed, o.State())
	assert.Contains(t, o.Status(), "badge")
	assert.Zero(t, arb.acquired, "preconditions must not touch the camera")
}

func TestRunFailsFastWithoutCameraSelection(t *testing.T) {
	arb := &fakeArbiter{proc: func() *fakeProc { return &fakeProc{} }}
	o := newTestOrchestrator(arb, &fakeProfiles{device: ""}, &fakeEvaluator{references: true})

	err := o.Run(context.Background(), "desk")
	require.Error(t, err)
	assert.Equal(t, StateFailed, o.State())
	assert.Contains(t, o.Status(), "camera")
}

func TestRunClearsStaleCameraSelection(t *testing.T) {
	arb := &fakeArbiter{proc: func() *fakeProc { return &fakeProc{} }}
	profiles := &fakeProfiles{device: "Unplugged Webcam"}
	o := NewOrchestrator(testConfig(), arb, &fakeResolver{}, profiles, evaluatorFactory(&fakeEvaluator{references: true}), nil)

	err := o.Run(context.Background(), "desk")
	require.Error(t, err)
	assert.Equal(t, StateFailed, o.State())
	assert.True(t, profiles.cleared, "stale selection must be cleared for reselection")
}

func TestRunThenStopReturnsToIdle(t *testing.T) {
	arb := &fakeArbiter{proc: func() *fakeProc {
		return &fakeProc{alive: true, events: make(chan capture.LogEvent)}
	}}
	profiles := &fakeProfiles{device: "Integrated Camera"}
	o := newTestOrchestrator(arb, profiles, &fakeEvaluator{references: true})

	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background(), "desk") }()

	require.Eventually(t, func() bool { return o.State() == StateRunning }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Stop(ctx))
	require.NoError(t, <-done)

	assert.Equal(t, StateIdle, o.State())
	assert.Equal(t, arb.paused, arb.resumed)
}

func TestStopIsIdempotentWhenIdle(t *testing.T) {
	arb := &fakeArbiter{proc: func() *fakeProc { return &fakeProc{} }}
	o := newTestOrchestrator(arb, &fakeProfiles{}, &fakeEvaluator{})

	ctx := context.Background()
	assert.NoError(t, o.Stop(ctx))
	assert.NoError(t, o.Stop(ctx))
	assert.Equal(t, StateIdle, o.State())
}

func TestStopAfterFailureFoldsBackToIdle(t *testing.T) {
	arb := &fakeArbiter{proc: func() *fakeProc { return &fakeProc{} }}
	o := newTestOrchestrator(arb, &fakeProfiles{device: ""}, &fakeEvaluator{references: true})

	_ = o.Run(context.Background(), "desk")
	require.Equal(t, StateFailed, o.State())

	require.NoError(t, o.Stop(context.Background()))
	assert.Equal(t, StateIdle, o.State())
}
