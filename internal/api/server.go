package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/frametrace/frametrace/internal/capture"
	"github.com/frametrace/frametrace/internal/config"
	"github.com/frametrace/frametrace/internal/logger"
	"github.com/frametrace/frametrace/internal/monitor"
	"github.com/frametrace/frametrace/internal/output"
	"github.com/frametrace/frametrace/internal/profile"
)

const previewFPS = 15

// Server is the HTTP surface: profile and device management, monitor
// control, and the MJPEG preview.
type Server struct {
	router       *mux.Router
	configMgr    *config.Manager
	profiles     *profile.Manager
	orchestrator *monitor.Orchestrator
	enumerator   *capture.Enumerator
	arbiter      *capture.ResourceManager
	preview      *output.Preview
	upgrader     websocket.Upgrader
	log          zerolog.Logger
}

// NewServer wires the API server.
func NewServer(configMgr *config.Manager, profiles *profile.Manager, orchestrator *monitor.Orchestrator, enumerator *capture.Enumerator, arbiter *capture.ResourceManager, preview *output.Preview) *Server {
	s := &Server{
		router:       mux.NewRouter(),
		configMgr:    configMgr,
		profiles:     profiles,
		orchestrator: orchestrator,
		enumerator:   enumerator,
		arbiter:      arbiter,
		preview:      preview,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
		log: *logger.WithComponent("api"),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Devices
	api.HandleFunc("/devices", s.handleListDevices).Methods("GET")

	// Profiles
	api.HandleFunc("/profiles", s.handleListProfiles).Methods("GET")
	api.HandleFunc("/profiles", s.handleCreateProfile).Methods("POST")
	api.HandleFunc("/profiles/{name}", s.handleGetProfile).Methods("GET")
	api.HandleFunc("/profiles/{name}", s.handleDeleteProfile).Methods("DELETE")
	api.HandleFunc("/profiles/{name}/camera", s.handleSetCamera).Methods("PUT")
	api.HandleFunc("/profiles/{name}/settings", s.handleUpdateSettings).Methods("PUT")
	api.HandleFunc("/profiles/{name}/reference", s.handleSelectReference).Methods("PUT")
	api.HandleFunc("/profiles/{name}/references", s.handleListReferences).Methods("GET")
	api.HandleFunc("/profiles/{name}/references/{ref}", s.handleDeleteReference).Methods("DELETE")
	api.HandleFunc("/profiles/{name}/snapshot", s.handleSnapshot).Methods("POST")

	// Monitoring
	api.HandleFunc("/monitor/start", s.handleMonitorStart).Methods("POST")
	api.HandleFunc("/monitor/stop", s.handleMonitorStop).Methods("POST")
	api.HandleFunc("/monitor/status", s.handleMonitorStatus).Methods("GET")
	api.HandleFunc("/monitor/stream", s.handleMonitorStream)

	// Preview
	api.HandleFunc("/preview/start", s.handlePreviewStart).Methods("POST")
	api.HandleFunc("/preview/stop", s.handlePreviewStop).Methods("POST")
	api.HandleFunc("/preview/stats", s.handlePreviewStats).Methods("GET")

	// Configuration
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")

	// Health check
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Preview stream and viewer page
	s.router.HandleFunc("/preview/stream", s.preview.StreamHandler()).Methods("GET")
	s.router.HandleFunc("/preview", s.preview.ViewerHandler()).Methods("GET")
}

// Start serves HTTP on the given port until the listener fails.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.log.Info().Str("addr", "http://localhost"+addr).Msg("API server listening")
	return http.ListenAndServe(addr, s.enableCORS(s.router))
}

func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeStatusOK(w http.ResponseWriter) {
	writeJSON(w, map[string]string{"status": "success"})
}

// HTTP Handlers

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.enumerator.Devices(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, devices)
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	names, err := s.profiles.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, names)
}

func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.profiles.Create(req.Name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeStatusOK(w)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	record, err := s.profiles.Store().GetProfile(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if record == nil {
		http.Error(w, "profile not found", http.StatusNotFound)
		return
	}
	writeJSON(w, record)
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := s.profiles.Delete(mux.Vars(r)["name"]); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeStatusOK(w)
}

func (s *Server) handleSetCamera(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Device string `json:"device"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.profiles.SetCameraDevice(mux.Vars(r)["name"], req.Device); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeStatusOK(w)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Threshold *float64 `json:"threshold"`
		TargetFPS *int     `json:"target_fps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.profiles.UpdateSettings(mux.Vars(r)["name"], req.Threshold, req.TargetFPS); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeStatusOK(w)
}

func (s *Server) handleSelectReference(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reference string `json:"reference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.profiles.SetSelectedReference(mux.Vars(r)["name"], req.Reference); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeStatusOK(w)
}

func (s *Server) handleListReferences(w http.ResponseWriter, r *http.Request) {
	refs, err := s.profiles.Store().ListReferences(mux.Vars(r)["name"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, refs)
}

func (s *Server) handleDeleteReference(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.profiles.Store().DeleteReference(vars["name"], vars["ref"]); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeStatusOK(w)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	path, err := s.captureSnapshot(r.Context(), name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"path": path})
}

func (s *Server) captureSnapshot(ctx context.Context, profileName string) (string, error) {
	device, err := s.profiles.CameraDevice(profileName)
	if err != nil {
		return "", err
	}
	if device == "" {
		return "", fmt.Errorf("no camera selected")
	}
	candidates, err := s.enumerator.BuildInputCandidates(ctx, device)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("camera %q not found", device)
	}

	width, height := s.profiles.FrameSize(profileName)
	token := candidates[0].Token

	// A running stream owns the device; opening it a second time would
	// contend with the live capture, so freeze its newest frame instead.
	if _, held := s.arbiter.Holder(token); held {
		pkt, ok := s.arbiter.PeekLatest(token)
		if !ok || pkt.Stale || len(pkt.Payload) != width*height*3 {
			return "", fmt.Errorf("camera %q is in use and has no frame available yet", device)
		}
		return s.profiles.SaveCapture(profileName, pkt.Payload, width, height)
	}

	cfg := capture.Config{Width: width, Height: height, FPS: 1, Label: "snapshot"}
	payload, err := capture.Snapshot(ctx, s.configMgr.Get().FFmpegPath, s.enumerator.Backend, token, cfg)
	if err != nil {
		return "", err
	}
	return s.profiles.SaveCapture(profileName, payload, width, height)
}

func (s *Server) handleMonitorStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Profile string `json:"profile"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.orchestrator.State() != monitor.StateIdle {
		http.Error(w, fmt.Sprintf("monitor is %s", s.orchestrator.State()), http.StatusConflict)
		return
	}

	go func() {
		if err := s.orchestrator.Run(context.Background(), req.Profile); err != nil {
			s.log.Warn().Err(err).Str("profile", req.Profile).Msg("Monitoring session ended with failure")
		}
	}()
	writeStatusOK(w)
}

func (s *Server) handleMonitorStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.orchestrator.Stop(ctx); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeStatusOK(w)
}

type monitorStatus struct {
	State   monitor.State   `json:"state"`
	Status  string          `json:"status"`
	Profile string          `json:"profile"`
	Metrics monitor.Metrics `json:"metrics"`
}

func (s *Server) currentStatus() monitorStatus {
	return monitorStatus{
		State:   s.orchestrator.State(),
		Status:  s.orchestrator.Status(),
		Profile: s.orchestrator.Profile(),
		Metrics: s.orchestrator.Metrics(),
	}
}

func (s *Server) handleMonitorStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.currentStatus())
}

// handleMonitorStream pushes state, status, and metrics snapshots over a
// websocket at a fixed cadence.
func (s *Server) handleMonitorStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	if err := conn.WriteJSON(s.currentStatus()); err != nil {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := conn.WriteJSON(s.currentStatus()); err != nil {
				return
			}
		}
	}
}

func (s *Server) handlePreviewStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Profile string `json:"profile"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	device, err := s.profiles.CameraDevice(req.Profile)
	if err != nil || device == "" {
		http.Error(w, "no camera selected for profile", http.StatusBadRequest)
		return
	}
	candidates, err := s.enumerator.BuildInputCandidates(r.Context(), device)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(candidates) == 0 {
		http.Error(w, fmt.Sprintf("camera %q not found", device), http.StatusNotFound)
		return
	}

	width, height := s.profiles.FrameSize(req.Profile)
	cfg := capture.Config{Width: width, Height: height, FPS: previewFPS, Label: "preview"}

	lease, err := s.arbiter.Acquire(capture.RolePreview, candidates[0].Token, cfg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.preview.SetSource(lease.Bus, width, height)
	writeStatusOK(w)
}

func (s *Server) handlePreviewStop(w http.ResponseWriter, r *http.Request) {
	s.arbiter.ReleasePreview()
	writeStatusOK(w)
}

func (s *Server) handlePreviewStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.preview.GetStats())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.configMgr.Get())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}
