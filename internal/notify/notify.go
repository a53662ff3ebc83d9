package notify

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/frametrace/frametrace/internal/logger"
)

// DefaultCooldown spaces repeated alerts for the same profile.
const DefaultCooldown = 30 * time.Second

// Notifier runs a user-configured command when a detection event starts.
// Alerts are fire and forget: the command runs on its own goroutine and
// failures only log. A per-profile cooldown suppresses alert storms from
// flapping detections.
type Notifier struct {
	alertCmd string
	cooldown time.Duration
	log      zerolog.Logger

	mu        sync.Mutex
	lastFired map[string]time.Time

	// runCmd is swapped in tests.
	runCmd func(cmd *exec.Cmd) error
}

// New creates a notifier. An empty alertCmd disables alerting entirely.
func New(alertCmd string, cooldown time.Duration) *Notifier {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Notifier{
		alertCmd:  alertCmd,
		cooldown:  cooldown,
		log:       *logger.WithComponent("notify"),
		lastFired: make(map[string]time.Time),
		runCmd:    (*exec.Cmd).Run,
	}
}

// Alert fires the configured command for a detection event. Returns
// immediately; suppressed calls inside the cooldown window are silent.
func (n *Notifier) Alert(profileName, reference string, confidence float64) {
	if n.alertCmd == "" {
		return
	}

	n.mu.Lock()
	last, seen := n.lastFired[profileName]
	if seen && time.Since(last) < n.cooldown {
		n.mu.Unlock()
		return
	}
	n.lastFired[profileName] = time.Now()
	n.mu.Unlock()

	go n.fire(profileName, reference, confidence)
}

func (n *Notifier) fire(profileName, reference string, confidence float64) {
	cmd := shellCommand(n.alertCmd)
	cmd.Env = append(os.Environ(),
		"FRAMETRACE_PROFILE="+profileName,
		"FRAMETRACE_REFERENCE="+reference,
		fmt.Sprintf("FRAMETRACE_CONFIDENCE=%.3f", confidence),
	)
	if err := n.runCmd(cmd); err != nil {
		n.log.Warn().Err(err).Str("profile", profileName).Msg("Alert command failed")
		return
	}
	n.log.Info().
		Str("profile", profileName).
		Str("reference", reference).
		Float64("confidence", confidence).
		Msg("Alert fired")
}

func shellCommand(command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.Command("cmd", "/C", command)
	}
	return exec.Command("sh", "-c", command)
}
