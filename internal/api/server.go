// Package api serves the HTTP control surface: pose, motion commands,
// correction control and recorded runs. Motion commands are handed to the
// Controller and run on the control task.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/gridnav/internal/odometry"
	"github.com/banshee-data/gridnav/internal/telemetry"
)

// Navigator is the motion surface driven by commands.
type Navigator interface {
	TravelTo(ctx context.Context, x, y float64, allowCorrection bool) error
	RotateTo(ctx context.Context, heading float64) error
}

// PoseReader supplies the pose snapshots served on GET /api/pose.
type PoseReader interface {
	Get() odometry.Pose
}

// CorrectionSwitch toggles grid correction.
type CorrectionSwitch interface {
	Enable(on bool)
	Enabled() bool
	Corrections() int
}

// RunStore lists recorded runs and renders their trajectories.
type RunStore interface {
	Runs() ([]telemetry.RunInfo, error)
	WriteTrajectoryPNG(w io.Writer, runID string, o telemetry.PlotOptions) error
}

// Bounds limits travel targets to the arena.
type Bounds struct {
	Min, Max float64
}

// Server exposes the navigation control API. Motion requests go through
// the Controller; reads are served directly.
type Server struct {
	ctrl   *Controller
	nav    Navigator
	pose   PoseReader
	corr   CorrectionSwitch
	runs   RunStore
	bounds Bounds
}

// NewServer returns a Server. runs may be nil when telemetry is off.
func NewServer(ctrl *Controller, nav Navigator, pose PoseReader, corr CorrectionSwitch, runs RunStore, bounds Bounds) *Server {
	return &Server{ctrl: ctrl, nav: nav, pose: pose, corr: corr, runs: runs, bounds: bounds}
}

// ServeMux returns a mux with every /api route registered.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/pose", s.showPose)
	mux.HandleFunc("GET /api/status", s.showStatus)
	mux.HandleFunc("POST /api/travel", s.travel)
	mux.HandleFunc("POST /api/rotate", s.rotate)
	mux.HandleFunc("POST /api/stop", s.stop)
	mux.HandleFunc("POST /api/correction", s.setCorrection)
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{id}/trajectory.png", s.trajectoryPNG)
	return mux
}

// PoseResponse is the body of GET /api/pose.
type PoseResponse struct {
	X                 float64 `json:"x"`
	Y                 float64 `json:"y"`
	Heading           float64 `json:"heading"`
	CorrectionEnabled bool    `json:"correction_enabled"`
	Corrections       int     `json:"corrections"`
}

func (s *Server) showPose(w http.ResponseWriter, r *http.Request) {
	p := s.pose.Get()
	writeJSON(w, http.StatusOK, PoseResponse{
		X:                 p.X,
		Y:                 p.Y,
		Heading:           p.Heading,
		CorrectionEnabled: s.corr.Enabled(),
		Corrections:       s.corr.Corrections(),
	})
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

// TravelRequest is the body of POST /api/travel.
type TravelRequest struct {
	X               *float64 `json:"x"`
	Y               *float64 `json:"y"`
	AllowCorrection bool     `json:"allow_correction"`
}

func (s *Server) travel(w http.ResponseWriter, r *http.Request) {
	var req TravelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.X == nil || req.Y == nil {
		writeJSONError(w, http.StatusBadRequest, "x and y are required")
		return
	}
	x, y := *req.X, *req.Y
	for _, v := range []float64{x, y} {
		if math.IsNaN(v) || v < s.bounds.Min || v > s.bounds.Max {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("target (%g, %g) outside arena [%g, %g]", x, y, s.bounds.Min, s.bounds.Max))
			return
		}
	}

	args := fmt.Sprintf("%g,%g allow_correction=%t", x, y, req.AllowCorrection)
	s.submit(w, "travel", args, func(ctx context.Context) error {
		return s.nav.TravelTo(ctx, x, y, req.AllowCorrection)
	})
}

// RotateRequest is the body of POST /api/rotate.
type RotateRequest struct {
	Heading *float64 `json:"heading"`
}

func (s *Server) rotate(w http.ResponseWriter, r *http.Request) {
	var req RotateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Heading == nil || math.IsNaN(*req.Heading) || math.IsInf(*req.Heading, 0) {
		writeJSONError(w, http.StatusBadRequest, "heading is required")
		return
	}
	h := *req.Heading
	s.submit(w, "rotate", strconv.FormatFloat(h, 'g', -1, 64), func(ctx context.Context) error {
		return s.nav.RotateTo(ctx, h)
	})
}

func (s *Server) submit(w http.ResponseWriter, name, args string, fn func(context.Context) error) {
	if err := s.ctrl.Submit(name, args, fn); err != nil {
		if errors.Is(err, ErrBusy) {
			writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, s.ctrl.Status())
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.ctrl.Cancel()})
}

// CorrectionRequest is the body of POST /api/correction.
type CorrectionRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) setCorrection(w http.ResponseWriter, r *http.Request) {
	var req CorrectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeJSONError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	s.corr.Enable(*req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.corr.Enabled()})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeJSONError(w, http.StatusNotFound, "telemetry disabled")
		return
	}
	runs, err := s.runs.Runs()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []telemetry.RunInfo{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) trajectoryPNG(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeJSONError(w, http.StatusNotFound, "telemetry disabled")
		return
	}

	var buf bytes.Buffer
	err := s.runs.WriteTrajectoryPNG(&buf, r.PathValue("id"), telemetry.DefaultPlotOptions())
	switch {
	case errors.Is(err, telemetry.ErrRunNotFound), errors.Is(err, telemetry.ErrNoSamples):
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = buf.WriteTo(w)
}

const maxBody = 1 << 16

// decodeJSON reads a bounded JSON body, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode json response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// LoggingMiddleware logs method, path, status and duration of each request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf("[%d] %s %s %.1fms", lrw.statusCode, r.Method, r.RequestURI, float64(time.Since(start).Microseconds())/1e3)
	})
}
