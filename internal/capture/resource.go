package capture

import (
	"context"
	"sync"
	"time"

	"github.com/frametrace/frametrace/internal/framebus"
	"github.com/frametrace/frametrace/internal/logger"
)

// Role identifies who holds a camera stream.
type Role string

const (
	RoleMonitoring Role = "monitoring"
	RolePreview    Role = "preview"
)

// StreamProcess is the running capture behind a lease. *Supervisor is
// the real implementation.
type StreamProcess interface {
	Start() error
	Stop(timeout time.Duration)
	IsAlive() bool
	LastError() string
	LogEvents() <-chan LogEvent
	FramesCaptured() uint64
}

// Lease is one role's hold on a camera stream. Monitoring consumes frames
// with Bus.Get; preview only peeks, so both roles can share one stream
// when their configs describe the same device request.
type Lease struct {
	Role  Role
	Token string
	Sup   StreamProcess
	Bus   *framebus.Queue

	mgr      *ResourceManager
	released bool
}

// Release gives up the hold. The underlying process stops once the last
// holder releases. Safe to call more than once.
func (l *Lease) Release() {
	if l.mgr != nil {
		l.mgr.release(l)
	}
}

type stream struct {
	cfg     Config
	sup     StreamProcess
	bus     *framebus.Queue
	holders map[Role]*Lease
}

type pausedPreview struct {
	cfg Config
}

// ResourceManager arbitrates camera access between monitoring and
// preview. At most one stream runs per device token; a second role may
// join it only when it asks for the same stream parameters. Releasing the
// last hold stamps a cooldown so drivers get time to free the device
// before it is reopened.
type ResourceManager struct {
	ffmpegPath  string
	backend     Backend
	queueLen    int
	cooldown    time.Duration
	stopTimeout time.Duration

	mu          sync.Mutex
	streams     map[string]*stream
	lastRelease map[string]time.Time
	paused      map[string]pausedPreview

	previewSink func(*framebus.Queue)

	// spawn is replaced in tests to avoid launching real processes.
	spawn func(token string, cfg Config, bus *framebus.Queue) StreamProcess
}

// NewResourceManager creates an arbiter using the platform backend.
func NewResourceManager(ffmpegPath string, queueLen int, cooldown, stopTimeout time.Duration) *ResourceManager {
	m := &ResourceManager{
		ffmpegPath:  ffmpegPath,
		backend:     PlatformBackend(),
		queueLen:    queueLen,
		cooldown:    cooldown,
		stopTimeout: stopTimeout,
		streams:     make(map[string]*stream),
		lastRelease: make(map[string]time.Time),
		paused:      make(map[string]pausedPreview),
	}
	m.spawn = func(token string, cfg Config, bus *framebus.Queue) StreamProcess {
		return NewSupervisor(m.ffmpegPath, m.backend, token, cfg, bus)
	}
	return m
}

// SetPreviewSink registers the consumer notified whenever the preview
// stream's frame queue changes. A nil queue means preview went dark.
func (m *ResourceManager) SetPreviewSink(sink func(*framebus.Queue)) {
	m.mu.Lock()
	m.previewSink = sink
	m.mu.Unlock()
}

// Acquire takes a hold on token for role. It fails with a ConflictError
// when another role holds the token with different stream parameters.
// The post-release cooldown for the token is waited out here so that no
// caller can reopen a just-closed device early; callers that need the
// wait to be cancellable call WaitCooldown with their context first.
func (m *ResourceManager) Acquire(role Role, token string, cfg Config) (*Lease, error) {
	if err := m.WaitCooldown(context.Background(), token); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquireLocked(role, token, cfg)
}

func (m *ResourceManager) acquireLocked(role Role, token string, cfg Config) (*Lease, error) {
	log := logger.WithComponent("arbiter")

	if st, ok := m.streams[token]; ok {
		lease, held := st.holders[role]
		switch {
		case held && st.cfg.SameStream(cfg):
			// Re-acquire by the current holder is idempotent.
			return lease, nil
		case held && len(st.holders) > 1:
			// Changing stream parameters would pull the stream out from
			// under the other holder.
			return nil, &ConflictError{Role: role, Token: token, OwnerRole: otherHolder(st, role)}
		case held:
			// Sole holder asking for different parameters: swap the old
			// stream for a fresh one. Stopping under the lock keeps the
			// swap atomic for this token.
			lease.released = true
			delete(m.streams, token)
			st.sup.Stop(m.stopTimeout)
			log.Info().Str("role", string(role)).Str("token", token).Str("config", cfg.Label).Msg("Restarting stream with new parameters")
		case !st.cfg.SameStream(cfg):
			return nil, &ConflictError{Role: role, Token: token, OwnerRole: otherHolder(st, role)}
		default:
			joined := &Lease{Role: role, Token: token, Sup: st.sup, Bus: st.bus, mgr: m}
			st.holders[role] = joined
			log.Debug().Str("role", string(role)).Str("token", token).Msg("Joined shared stream")
			m.notifyPreviewLocked(role, st.bus)
			return joined, nil
		}
	}

	// Monitoring consumes a small backlog; a preview-only stream just
	// needs the freshest frame for sampling.
	policy := framebus.DropOldest
	if role == RolePreview {
		policy = framebus.LastOnly
	}
	bus := framebus.NewQueue(m.queueLen, policy)
	sup := m.spawn(token, cfg, bus)
	if err := sup.Start(); err != nil {
		return nil, err
	}

	lease := &Lease{Role: role, Token: token, Sup: sup, Bus: bus, mgr: m}
	m.streams[token] = &stream{
		cfg:     cfg,
		sup:     sup,
		bus:     bus,
		holders: map[Role]*Lease{role: lease},
	}
	log.Info().Str("role", string(role)).Str("token", token).Str("config", cfg.Label).Msg("Stream acquired")
	m.notifyPreviewLocked(role, bus)
	return lease, nil
}

func otherHolder(st *stream, role Role) Role {
	for r := range st.holders {
		if r != role {
			return r
		}
	}
	return role
}

func (m *ResourceManager) release(l *Lease) {
	m.mu.Lock()
	if l.released {
		m.mu.Unlock()
		return
	}
	l.released = true

	st, ok := m.streams[l.Token]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(st.holders, l.Role)
	m.notifyPreviewLocked(l.Role, nil)

	if len(st.holders) > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.streams, l.Token)
	sup := st.sup
	stopTimeout := m.stopTimeout
	m.mu.Unlock()

	// Stopping the process can take up to stopTimeout; do it outside
	// the lock so other tokens stay responsive.
	sup.Stop(stopTimeout)

	m.mu.Lock()
	m.lastRelease[l.Token] = time.Now()
	m.mu.Unlock()

	logger.WithComponent("arbiter").Info().
		Str("role", string(l.Role)).
		Str("token", l.Token).
		Msg("Stream released")
}

func (m *ResourceManager) notifyPreviewLocked(role Role, bus *framebus.Queue) {
	if role == RolePreview && m.previewSink != nil {
		m.previewSink(bus)
	}
}

// WaitCooldown blocks until the post-release cooldown for token has
// elapsed or ctx is done.
func (m *ResourceManager) WaitCooldown(ctx context.Context, token string) error {
	m.mu.Lock()
	released, ok := m.lastRelease[token]
	cooldown := m.cooldown
	m.mu.Unlock()
	if !ok {
		return nil
	}
	remaining := time.Until(released.Add(cooldown))
	if remaining <= 0 {
		return nil
	}
	select {
	case <-time.After(remaining):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReleasePreview drops every preview hold without remembering it, used
// when the user turns the preview off outright.
func (m *ResourceManager) ReleasePreview() {
	m.mu.Lock()
	var leases []*Lease
	for _, st := range m.streams {
		if lease, held := st.holders[RolePreview]; held {
			leases = append(leases, lease)
		}
	}
	m.paused = make(map[string]pausedPreview)
	m.mu.Unlock()

	for _, lease := range leases {
		lease.Release()
	}
}

// PausePreview releases any preview hold on token and remembers its
// stream parameters so ResumePreview can bring it back. Returns true
// when a preview hold was actually paused.
func (m *ResourceManager) PausePreview(token string) bool {
	m.mu.Lock()
	st, ok := m.streams[token]
	if !ok {
		m.mu.Unlock()
		return false
	}
	lease, held := st.holders[RolePreview]
	if !held {
		m.mu.Unlock()
		return false
	}
	m.paused[token] = pausedPreview{cfg: st.cfg}
	m.mu.Unlock()

	lease.Release()
	logger.WithComponent("arbiter").Info().Str("token", token).Msg("Preview paused")
	return true
}

// ResumePreview re-acquires a previously paused preview stream for token,
// honoring the reacquire cooldown. A no-op when nothing was paused.
func (m *ResourceManager) ResumePreview(ctx context.Context, token string) error {
	m.mu.Lock()
	p, ok := m.paused[token]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.paused, token)
	m.mu.Unlock()

	if err := m.WaitCooldown(ctx, token); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.acquireLocked(RolePreview, token, p.cfg)
	if err == nil {
		logger.WithComponent("arbiter").Info().Str("token", token).Msg("Preview resumed")
	}
	return err
}

// PeekLatest returns the newest frame on token's live stream without
// consuming it, false when no stream runs or no frame has arrived yet.
func (m *ResourceManager) PeekLatest(token string) (framebus.Packet, bool) {
	m.mu.Lock()
	st, ok := m.streams[token]
	m.mu.Unlock()
	if !ok {
		return framebus.Packet{}, false
	}
	return st.bus.PeekLatest()
}

// Holder reports which role currently holds token, if any.
func (m *ResourceManager) Holder(token string) (Role, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[token]
	if !ok || len(st.holders) == 0 {
		return "", false
	}
	if _, held := st.holders[RoleMonitoring]; held {
		return RoleMonitoring, true
	}
	return RolePreview, true
}
