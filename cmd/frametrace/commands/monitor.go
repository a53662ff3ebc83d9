package commands

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/frametrace/frametrace/internal/capture"
	"github.com/frametrace/frametrace/internal/config"
	"github.com/frametrace/frametrace/internal/detect"
	"github.com/frametrace/frametrace/internal/logger"
	"github.com/frametrace/frametrace/internal/monitor"
	"github.com/frametrace/frametrace/internal/notify"
	"github.com/frametrace/frametrace/internal/profile"
	"github.com/frametrace/frametrace/internal/storage"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor <profile>",
	Short: "Run monitoring for a profile without the server",
	Long: `Run a monitoring session for one profile in the foreground.

Status and metrics are printed to stdout. The session ends on Ctrl+C or
when capture fails past the retry budget.`,
	Example: `  # Monitor the "desk" profile
  frametrace monitor desk

  # Monitor with debug logging
  frametrace monitor desk --log-level debug`,
	Args: cobra.ExactArgs(1),
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	profileName := args[0]

	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := configMgr.Get()
	logger.Init(cfg.LogLevel, true)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.Open(filepath.Join(cfg.DataDir, "frametrace.db"))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()
	profiles := profile.NewManager(store, cfg.DataDir)

	enumerator := capture.NewEnumerator(cfg.FFmpegPath)
	arbiter := capture.NewResourceManager(cfg.FFmpegPath, cfg.Capture.QueueLen,
		cfg.ReacquireCooldown(), cfg.StopTimeout())

	newEvaluator := func(name string) monitor.FrameEvaluator {
		engine := detect.NewEngine(store, name,
			filepath.Join(profiles.Path(name), "references"),
			profiles.DebugDir(),
			profiles.DetectionThreshold(name),
			cfg.Detection)
		engine.SetFrameSize(profiles.FrameSize(name))
		if ref, err := profiles.SelectedReference(name); err == nil && ref != "" {
			engine.SelectReference(ref)
		}
		return engine
	}

	alerter := notify.New(cfg.AlertCmd, notify.DefaultCooldown)
	orchestrator := monitor.NewOrchestrator(cfg, arbiter, enumerator, profiles, newEvaluator, alerter)

	runErr := make(chan error, 1)
	go func() {
		runErr <- orchestrator.Run(context.Background(), profileName)
	}()

	go func() {
		statusCh := orchestrator.StatusEvents()
		metricsCh := orchestrator.MetricsEvents()
		for {
			select {
			case status, ok := <-statusCh:
				if !ok {
					return
				}
				log.Printf("[%s] %s", orchestrator.State(), status)
			case m, ok := <-metricsCh:
				if !ok {
					return
				}
				log.Printf("capture %.1f fps, process %.1f fps, dropped %d, queue %.0f%%",
					m.CaptureFPS, m.ProcessFPS, m.DroppedFrames, m.QueueFillPercent)
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Printf("Monitoring %q, press Ctrl+C to stop", profileName)

	select {
	case err := <-runErr:
		return err
	case <-sigChan:
	}

	fmt.Println()
	log.Println("Stopping...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := orchestrator.Stop(ctx); err != nil {
		return err
	}
	<-runErr
	return nil
}
