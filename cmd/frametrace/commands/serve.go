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
	"github.com/spf13/viper"

	"github.com/frametrace/frametrace/internal/api"
	"github.com/frametrace/frametrace/internal/capture"
	"github.com/frametrace/frametrace/internal/config"
	"github.com/frametrace/frametrace/internal/detect"
	"github.com/frametrace/frametrace/internal/logger"
	"github.com/frametrace/frametrace/internal/monitor"
	"github.com/frametrace/frametrace/internal/notify"
	"github.com/frametrace/frametrace/internal/output"
	"github.com/frametrace/frametrace/internal/profile"
	"github.com/frametrace/frametrace/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the FrameTrace server",
	Long: `Start the FrameTrace HTTP server with camera capture and detection.

The server provides a REST API for managing profiles, reference images,
monitoring sessions and the live MJPEG preview.`,
	Example: `  # Start server on default port (8080)
  frametrace serve

  # Start server on custom port
  frametrace serve --port 9090

  # Start with specific config file
  frametrace serve --config /path/to/config.yaml

  # Start with debug logging
  frametrace serve --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	fmt.Println("📷 FrameTrace - Camera Monitoring with Template Matching")
	fmt.Println("========================================================")

	// Initialize configuration manager
	log.Println("Loading configuration...")
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to initialize config manager: %w", err)
	}

	// Override port from flag if provided
	if viper.IsSet("server_port") {
		port := viper.GetInt("server_port")
		if port > 0 {
			configMgr.SetPort(port)
		}
	}

	// Override log level from flag if provided
	if viper.IsSet("log_level") {
		logLevel := viper.GetString("log_level")
		if logLevel != "" {
			configMgr.SetLogLevel(logLevel)
		}
	}

	cfg := configMgr.Get()
	log.Printf("Configuration loaded from: %s", configMgr.GetConfigPath())
	log.Printf("Log level: %s", cfg.LogLevel)
	logger.Init(cfg.LogLevel, true)

	// Open profile storage
	log.Println("Opening profile database...")
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.Open(filepath.Join(cfg.DataDir, "frametrace.db"))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()
	profiles := profile.NewManager(store, cfg.DataDir)

	// Camera enumeration and stream arbitration
	log.Println("Resolving ffmpeg...")
	enumerator := capture.NewEnumerator(cfg.FFmpegPath)
	log.Printf("Using ffmpeg: %s", enumerator.FFmpegPath)
	arbiter := capture.NewResourceManager(cfg.FFmpegPath, cfg.Capture.QueueLen,
		cfg.ReacquireCooldown(), cfg.StopTimeout())

	// MJPEG preview follows whichever stream holds the preview role
	preview := output.NewPreview(0)
	arbiter.SetPreviewSink(preview.SetQueue)
	if err := preview.Start(); err != nil {
		return fmt.Errorf("failed to start preview output: %w", err)
	}
	defer preview.Stop()

	// Detection engines are built per profile at session start so each
	// one sees the profile's own references and threshold.
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

	// Initialize API server
	log.Println("Initializing HTTP server...")
	server := api.NewServer(configMgr, profiles, orchestrator, enumerator, arbiter, preview)

	// Start server in a goroutine
	go func() {
		log.Printf("Server starting on http://localhost:%d", cfg.ServerPort)
		if err := server.Start(cfg.ServerPort); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	fmt.Println()
	log.Println("✅ FrameTrace is running!")
	log.Printf("   - API: http://localhost:%d/api", cfg.ServerPort)
	log.Printf("   - Preview: http://localhost:%d/preview", cfg.ServerPort)
	log.Println("   - Press Ctrl+C to stop")
	fmt.Println()

	<-sigChan

	fmt.Println()
	log.Println("Shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := orchestrator.Stop(ctx); err != nil {
		log.Printf("Monitoring shutdown: %v", err)
	}
	arbiter.ReleasePreview()
	return nil
}
