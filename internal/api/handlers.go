// Package api provides HTTP handlers for postop endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vigia-med/postop/internal/models"
)

// createPatientRequest is the body for POST /patients.
type createPatientRequest struct {
	Name          string `json:"name"`
	Phone         string `json:"phone"`
	ProcedureType string `json:"procedure_type"`
	ProcedureDate string `json:"procedure_date"` // YYYY-MM-DD
}

func (s *Server) createPatientHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.createPatientHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.createPatientHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req createPatientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createPatientHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	procDate, err := time.Parse("2006-01-02", req.ProcedureDate)
	if err != nil {
		slog.Warn("Server.createPatientHandler: bad procedure date", "error", err, "procedure_date", req.ProcedureDate)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("procedure_date must be YYYY-MM-DD"))
		return
	}

	patient := models.Patient{
		Name:          req.Name,
		Phone:         req.Phone,
		ProcedureType: req.ProcedureType,
		ProcedureDate: procDate,
	}
	cps, err := s.manager.CreateSchedule(r.Context(), patient)
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			slog.Warn("Server.createPatientHandler: validation failed", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.createPatientHandler: failed to create schedule", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create schedule"))
		return
	}

	slog.Info("Server.createPatientHandler: schedule created", "patient", patient.Name, "contact_points", len(cps))
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Schedule created successfully", cps))
}

// sweepHandler adapts one of the manager's sweep methods into an HTTP handler.
func (s *Server) sweepHandler(name string, run func(context.Context) (models.SweepResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("Server.sweepHandler: processing request", "sweep", name, "method", r.Method)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			slog.Warn("Server.sweepHandler: method not allowed", "sweep", name, "method", r.Method)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), DefaultSweepTimeout)
		defer cancel()

		result, err := run(ctx)
		if err != nil {
			slog.Error("Server.sweepHandler: sweep failed", "sweep", name, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Sweep failed: "+err.Error()))
			return
		}
		slog.Info("Server.sweepHandler: sweep completed", "sweep", name,
			"found", result.Found, "sent", result.Sent, "failed", result.Failed)
		writeJSONResponse(w, http.StatusOK, models.Success(result))
	}
}

// assessmentHandler handles GET /assessments/{contactPointID}.
func (s *Server) assessmentHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.assessmentHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/assessments/")
	id = strings.TrimSuffix(id, "/")
	if id == "" || strings.Contains(id, "/") {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown assessment endpoint"))
		return
	}

	assessment, err := s.st.GetAssessmentByContactPoint(id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Assessment not found"))
			return
		}
		slog.Error("Server.assessmentHandler: lookup failed", "error", err, "contact_point_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch assessment"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(assessment))
}

// webhookHandler delegates inbound Twilio traffic to the messaging service.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	receiver, ok := s.msgService.(webhookReceiver)
	if !ok {
		slog.Warn("Server.webhookHandler: active messaging service has no webhook")
		writeJSONResponse(w, http.StatusNotFound, models.Error("Webhook not supported by messaging backend"))
		return
	}
	receiver.WebhookHandler(w, r)
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	writeJSONResponse(w, http.StatusOK, healthData)
}
