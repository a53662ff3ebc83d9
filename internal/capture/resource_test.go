package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frametrace/frametrace/internal/framebus"
)

type fakeProcess struct {
	startErr error
	alive    atomic.Bool
	stopped  atomic.Bool
	events   chan LogEvent
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{events: make(chan LogEvent, 8)}
}

func (f *fakeProcess) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	f.alive.Store(true)
	return nil
}

func (f *fakeProcess) Stop(timeout time.Duration) {
	f.alive.Store(false)
	f.stopped.Store(true)
}

func (f *fakeProcess) IsAlive() bool             { return f.alive.Load() }
func (f *fakeProcess) LastError() string         { return "" }
func (f *fakeProcess) LogEvents() <-chan LogEvent { return f.events }
func (f *fakeProcess) FramesCaptured() uint64    { return 0 }

func newTestManager(cooldown time.Duration) (*ResourceManager, *sync.Map) {
	m := NewResourceManager("ffmpeg", 8, cooldown, time.Second)
	var spawned sync.Map
	m.spawn = func(token string, cfg Config, bus *framebus.Queue) StreamProcess {
		p := newFakeProcess()
		spawned.Store(token, p)
		return p
	}
	return m, &spawned
}

func TestAcquireConflictAcrossRoles(t *testing.T) {
	m, _ := newTestManager(0)

	monCfg := Config{Width: 1280, Height: 720, FPS: 30, InputFPS: 30, Label: "requested"}
	prevCfg := Config{Width: 640, Height: 480, FPS: 15, Label: "preview"}

	lease, err := m.Acquire(RoleMonitoring, "cam0", monCfg)
	require.NoError(t, err)

	_, err = m.Acquire(RolePreview, "cam0", prevCfg)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, RoleMonitoring, conflict.OwnerRole)

	lease.Release()
	_, err = m.Acquire(RolePreview, "cam0", prevCfg)
	assert.NoError(t, err)
}

func TestAcquireSameRoleIsIdempotent(t *testing.T) {
	m, _ := newTestManager(0)
	cfg := Config{Width: 1280, Height: 720, FPS: 30}

	first, err := m.Acquire(RoleMonitoring, "cam0", cfg)
	require.NoError(t, err)

	again, err := m.Acquire(RoleMonitoring, "cam0", cfg)
	require.NoError(t, err)
	assert.Same(t, first, again)
}

func TestSameStreamIsShared(t *testing.T) {
	m, spawned := newTestManager(0)
	cfg := Config{Width: 1280, Height: 720, FPS: 30, Label: "requested"}

	mon, err := m.Acquire(RoleMonitoring, "cam0", cfg)
	require.NoError(t, err)

	shared := cfg
	shared.Label = "preview"
	prev, err := m.Acquire(RolePreview, "cam0", shared)
	require.NoError(t, err)
	assert.Same(t, mon.Bus, prev.Bus)

	procAny, ok := spawned.Load("cam0")
	require.True(t, ok)
	proc := procAny.(*fakeProcess)

	mon.Release()
	assert.False(t, proc.stopped.Load(), "stream must survive while preview holds it")
	prev.Release()
	assert.True(t, proc.stopped.Load())
}

func TestConcurrentAcquireOneConfigWins(t *testing.T) {
	m, _ := newTestManager(0)

	monCfg := Config{Width: 1280, Height: 720, FPS: 30}
	prevCfg := Config{Width: 640, Height: 360, FPS: 15}

	const attempts = 16
	var conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		role, cfg := RoleMonitoring, monCfg
		if i%2 == 1 {
			role, cfg = RolePreview, prevCfg
		}
		wg.Add(1)
		go func(role Role, cfg Config) {
			defer wg.Done()
			if _, err := m.Acquire(role, "cam0", cfg); err != nil {
				var conflict *ConflictError
				assert.True(t, errors.As(err, &conflict))
				conflicts.Add(1)
			}
		}(role, cfg)
	}
	wg.Wait()

	// Whichever role got there first owns the stream parameters; every
	// acquire by the other role must have been refused.
	assert.Equal(t, int32(attempts/2), conflicts.Load())
	_, held := m.Holder("cam0")
	assert.True(t, held)
}

func TestReleaseIsIdempotent(t *testing.T) {
	m, spawned := newTestManager(0)
	cfg := Config{Width: 1280, Height: 720, FPS: 30}

	lease, err := m.Acquire(RoleMonitoring, "cam0", cfg)
	require.NoError(t, err)
	lease.Release()
	lease.Release()

	procAny, _ := spawned.Load("cam0")
	assert.True(t, procAny.(*fakeProcess).stopped.Load())

	_, err = m.Acquire(RoleMonitoring, "cam0", cfg)
	assert.NoError(t, err)
}

func TestAcquireWaitsOutCooldown(t *testing.T) {
	m, _ := newTestManager(80 * time.Millisecond)
	cfg := Config{Width: 1280, Height: 720, FPS: 30}

	lease, err := m.Acquire(RolePreview, "cam0", cfg)
	require.NoError(t, err)
	lease.Release()

	// Any caller reacquiring the token must sit out the cooldown,
	// not just those that call WaitCooldown themselves.
	start := time.Now()
	again, err := m.Acquire(RolePreview, "cam0", cfg)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestAcquireSoleHolderConfigChangeRestartsStream(t *testing.T) {
	m, spawned := newTestManager(0)
	first := Config{Width: 1280, Height: 720, FPS: 30, Label: "requested"}
	second := Config{Width: 640, Height: 480, FPS: 30, Label: "fallback-640x480@30"}

	old, err := m.Acquire(RoleMonitoring, "cam0", first)
	require.NoError(t, err)
	v, _ := spawned.Load("cam0")
	oldProc := v.(*fakeProcess)

	fresh, err := m.Acquire(RoleMonitoring, "cam0", second)
	require.NoError(t, err)
	assert.True(t, oldProc.stopped.Load(), "old stream must stop before the swap")
	assert.NotSame(t, old.Bus, fresh.Bus)
	assert.NotSame(t, old.Sup, fresh.Sup)

	// The superseded lease is already released; releasing it again must
	// not touch the fresh stream.
	old.Release()
	_, live := m.Holder("cam0")
	assert.True(t, live)
}

func TestAcquireConfigChangeWithSharedHolderConflicts(t *testing.T) {
	m, _ := newTestManager(0)
	cfg := Config{Width: 1280, Height: 720, FPS: 30}

	_, err := m.Acquire(RoleMonitoring, "cam0", cfg)
	require.NoError(t, err)
	_, err = m.Acquire(RolePreview, "cam0", cfg)
	require.NoError(t, err)

	_, err = m.Acquire(RoleMonitoring, "cam0", Config{Width: 640, Height: 480, FPS: 30})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, RolePreview, conflict.OwnerRole)
}

func TestPeekLatestServesLiveStream(t *testing.T) {
	m, _ := newTestManager(0)
	cfg := Config{Width: 4, Height: 4, FPS: 30}

	lease, err := m.Acquire(RoleMonitoring, "cam0", cfg)
	require.NoError(t, err)

	_, ok := m.PeekLatest("cam0")
	assert.False(t, ok, "no frame has arrived yet")

	pkt := framebus.Packet{Timestamp: time.Unix(42, 0), Payload: make([]byte, 48)}
	lease.Bus.Put(pkt)

	got, ok := m.PeekLatest("cam0")
	require.True(t, ok)
	assert.Equal(t, pkt.Timestamp, got.Timestamp)

	_, ok = m.PeekLatest("cam1")
	assert.False(t, ok)
}

func TestWaitCooldownBlocksAfterRelease(t *testing.T) {
	m, _ := newTestManager(80 * time.Millisecond)
	cfg := Config{Width: 640, Height: 480, FPS: 15}

	lease, err := m.Acquire(RoleMonitoring, "cam0", cfg)
	require.NoError(t, err)
	lease.Release()

	start := time.Now()
	require.NoError(t, m.WaitCooldown(context.Background(), "cam0"))
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)

	// A token never released waits nothing.
	start = time.Now()
	require.NoError(t, m.WaitCooldown(context.Background(), "other"))
	assert.Less(t, time.Since(start), 20*time.Millisecond)
}

func TestWaitCooldownHonorsContext(t *testing.T) {
	m, _ := newTestManager(time.Minute)
	cfg := Config{Width: 640, Height: 480, FPS: 15}

	lease, err := m.Acquire(RoleMonitoring, "cam0", cfg)
	require.NoError(t, err)
	lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.WaitCooldown(ctx, "cam0"), context.DeadlineExceeded)
}

func TestPauseAndResumePreview(t *testing.T) {
	m, _ := newTestManager(0)
	cfg := Config{Width: 640, Height: 480, FPS: 15, Label: "preview"}

	var sinkMu sync.Mutex
	var sinkBus *framebus.Queue
	m.SetPreviewSink(func(q *framebus.Queue) {
		sinkMu.Lock()
		sinkBus = q
		sinkMu.Unlock()
	})

	_, err := m.Acquire(RolePreview, "cam0", cfg)
	require.NoError(t, err)
	sinkMu.Lock()
	require.NotNil(t, sinkBus)
	sinkMu.Unlock()

	require.True(t, m.PausePreview("cam0"))
	sinkMu.Lock()
	assert.Nil(t, sinkBus)
	sinkMu.Unlock()

	// Monitoring can now take the device with different parameters.
	monCfg := Config{Width: 1280, Height: 720, FPS: 30, InputFPS: 30}
	mon, err := m.Acquire(RoleMonitoring, "cam0", monCfg)
	require.NoError(t, err)
	mon.Release()

	require.NoError(t, m.ResumePreview(context.Background(), "cam0"))
	sinkMu.Lock()
	assert.NotNil(t, sinkBus)
	sinkMu.Unlock()

	assert.False(t, m.PausePreview("other"), "pause without a preview hold is a no-op")
}

func TestResumePreviewWithoutPauseIsNoOp(t *testing.T) {
	m, _ := newTestManager(0)
	assert.NoError(t, m.ResumePreview(context.Background(), "cam0"))
}
