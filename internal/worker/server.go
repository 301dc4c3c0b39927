package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"example.com/community-ingest/internal/display"
	"example.com/community-ingest/internal/pipeline"
	"example.com/community-ingest/internal/store"
)

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 1 << 20

// IngestOrchestrator abstracts how ingest runs are executed. Production backs
// this with Temporal so every run and webhook flows through the same queue.
type IngestOrchestrator interface {
	RunIngest(ctx context.Context, input RunWorkflowInput) (RunWorkflowResult, error)
	RunIngestAsync(ctx context.Context, input RunWorkflowInput) (string, error)
	RunWebhookAsync(ctx context.Context, webhookID string) (string, error)
}

// Server exposes the ingest API: integration management, run triggers,
// webhook ingress, and debug listings over stored activities and members.
type Server struct {
	store        store.Store
	registry     *pipeline.Registry
	orchestrator IngestOrchestrator
	display      display.Settings
	logger       *slog.Logger
}

// NewServer creates an ingest server with the required collaborators wired in.
func NewServer(st store.Store, registry *pipeline.Registry, orchestrator IngestOrchestrator, displaySettings display.Settings, logger *slog.Logger) *Server {
	return &Server{
		store:        st,
		registry:     registry,
		orchestrator: orchestrator,
		display:      displaySettings,
		logger:       logger,
	}
}

// Router configures all ingest routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/ingest", func(r chi.Router) {
		r.Get("/platforms", s.handleListPlatforms)

		r.Get("/integrations", s.handleListIntegrations)
		r.Post("/integrations", s.handleCreateIntegration)
		r.Get("/integrations/{integrationID}", s.handleGetIntegration)
		r.Post("/integrations/{integrationID}/run", s.handleRunIntegration)

		// Webhook ingress persists the raw payload before anything can
		// fail, then hands processing to the queue.
		r.Post("/webhooks/{platform}/{integrationID}", s.handleWebhook)

		r.Get("/activities", s.handleListActivities)
		r.Get("/members", s.handleListMembers)
	})

	return r
}

func (s *Server) handleListPlatforms(w http.ResponseWriter, r *http.Request) {
	platforms := []map[string]any{}
	for _, platform := range s.registry.Platforms() {
		descriptor, err := s.registry.Lookup(platform)
		if err != nil {
			continue
		}
		platforms = append(platforms, map[string]any{
			"platform":          platform,
			"check_every":       descriptor.CheckEvery.String(),
			"webhooks":          descriptor.ProcessWebhookStream != nil,
			"member_attributes": descriptor.MemberAttributes,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"platforms": platforms})
}

func (s *Server) handleCreateIntegration(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ID        string          `json:"id"`
		TenantID  string          `json:"tenant_id"`
		SegmentID string          `json:"segment_id"`
		Platform  string          `json:"platform"`
		Settings  json.RawMessage `json:"settings"`
		Token     string          `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if strings.TrimSpace(payload.TenantID) == "" || strings.TrimSpace(payload.Platform) == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and platform are required")
		return
	}
	if _, err := s.registry.Lookup(pipeline.PlatformType(payload.Platform)); err != nil {
		writeError(w, http.StatusBadRequest, "unknown platform %q", payload.Platform)
		return
	}

	integration := pipeline.Integration{
		ID:        payload.ID,
		TenantID:  payload.TenantID,
		SegmentID: payload.SegmentID,
		Platform:  pipeline.PlatformType(payload.Platform),
		Status:    pipeline.IntegrationStatusPendingAction,
		Settings:  payload.Settings,
		Token:     payload.Token,
	}
	if integration.ID == "" {
		integration.ID = uuid.NewString()
	}
	if integration.SegmentID == "" {
		integration.SegmentID = integration.TenantID
	}
	if err := s.store.UpsertIntegration(r.Context(), integration); err != nil {
		writeError(w, http.StatusInternalServerError, "create integration: %v", err)
		return
	}

	s.logger.Info("integration created", "integration_id", integration.ID, "tenant_id", integration.TenantID, "platform", integration.Platform)
	writeJSON(w, http.StatusCreated, integration)
}

func (s *Server) handleListIntegrations(w http.ResponseWriter, r *http.Request) {
	integrations, err := s.store.ListIntegrations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list integrations: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"integrations": integrations})
}

func (s *Server) handleGetIntegration(w http.ResponseWriter, r *http.Request) {
	integration, err := s.store.GetIntegration(r.Context(), chi.URLParam(r, "integrationID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "integration not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "load integration: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, integration)
}

// handleRunIntegration triggers one ingest run. A fresh integration defaults
// to an onboarding run (full history); later triggers default to incremental.
// ?wait=true blocks until the run completes, which is meant for operators and
// tests, not schedulers.
func (s *Server) handleRunIntegration(w http.ResponseWriter, r *http.Request) {
	integration, err := s.store.GetIntegration(r.Context(), chi.URLParam(r, "integrationID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "integration not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "load integration: %v", err)
		return
	}

	onboarding := integration.Status == pipeline.IntegrationStatusPendingAction
	if raw := r.URL.Query().Get("onboarding"); raw != "" {
		onboarding = raw == "true" || raw == "1"
	}
	input := RunWorkflowInput{
		IntegrationID: integration.ID,
		Onboarding:    onboarding,
		Reason:        "api-run",
	}

	if r.URL.Query().Get("wait") == "true" {
		result, err := s.orchestrator.RunIngest(r.Context(), input)
		if err != nil {
			writeError(w, http.StatusBadGateway, "run via workflow: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	workflowID, err := s.orchestrator.RunIngestAsync(r.Context(), input)
	if err != nil {
		writeError(w, http.StatusBadGateway, "dispatch run: %v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"integration_id": integration.ID,
		"workflow_id":    workflowID,
		"onboarding":     onboarding,
	})
}

// handleWebhook persists the raw delivery first so a queue outage never loses
// the payload, then dispatches processing.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	platform := pipeline.PlatformType(chi.URLParam(r, "platform"))
	integrationID := chi.URLParam(r, "integrationID")

	descriptor, err := s.registry.Lookup(platform)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown platform %q", platform)
		return
	}
	if descriptor.ProcessWebhookStream == nil {
		writeError(w, http.StatusNotFound, "platform %q does not accept webhooks", platform)
		return
	}

	integration, err := s.store.GetIntegration(r.Context(), integrationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "integration not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "load integration: %v", err)
		return
	}
	if integration.Platform != platform {
		writeError(w, http.StatusBadRequest, "integration %s belongs to platform %q", integrationID, integration.Platform)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: %v", err)
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "payload must be valid json")
		return
	}

	delivery := store.WebhookDelivery{
		ID:            uuid.NewString(),
		IntegrationID: integration.ID,
		Platform:      platform,
		Payload:       body,
		ReceivedAt:    time.Now().UTC(),
	}
	if err := s.store.InsertWebhook(r.Context(), delivery); err != nil {
		writeError(w, http.StatusInternalServerError, "store webhook: %v", err)
		return
	}

	workflowID, err := s.orchestrator.RunWebhookAsync(r.Context(), delivery.ID)
	if err != nil {
		// The payload is durable; processing can be retried out of band.
		s.logger.Error("dispatch webhook failed", "webhook_id", delivery.ID, "error", err)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"webhook_id": delivery.ID,
			"dispatched": false,
		})
		return
	}

	s.logger.Info("webhook accepted", "webhook_id", delivery.ID, "integration_id", integration.ID, "platform", platform)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"webhook_id":  delivery.ID,
		"workflow_id": workflowID,
		"dispatched":  true,
	})
}

func (s *Server) handleListActivities(w http.ResponseWriter, r *http.Request) {
	filter := store.ActivityFilter{
		TenantID: r.URL.Query().Get("tenant_id"),
		Platform: pipeline.PlatformType(r.URL.Query().Get("platform")),
		Type:     r.URL.Query().Get("type"),
		Limit:    parseIntDefault(r.URL.Query().Get("limit"), 50),
	}
	records, err := s.store.ListActivities(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list activities: %v", err)
		return
	}

	type decorated struct {
		store.ActivityRecord
		Display map[display.Variant]string `json:"display"`
	}
	out := make([]decorated, 0, len(records))
	for _, record := range records {
		doc := display.Doc(record.Activity)
		out = append(out, decorated{
			ActivityRecord: record,
			Display:        display.Options(doc, s.display, display.VariantDefault, display.VariantShort, display.VariantChannel),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"activities": out,
		"count":      len(out),
	})
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id required")
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
	members, err := s.store.ListMembers(r.Context(), tenantID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list members: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"members": members,
		"count":   len(members),
	})
}

// StartScheduler begins one ticker per platform, dispatching incremental runs
// at the cadence the platform's adapter declares.
func (s *Server) StartScheduler(ctx context.Context) {
	for _, platform := range s.registry.Platforms() {
		descriptor, err := s.registry.Lookup(platform)
		if err != nil || descriptor.CheckEvery <= 0 {
			continue
		}
		go s.scheduleLoop(ctx, platform, descriptor.CheckEvery)
	}
}

func (s *Server) scheduleLoop(ctx context.Context, platform pipeline.PlatformType, every time.Duration) {
	s.logger.Info("scheduler loop started", "platform", platform, "interval", every)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler loop stopped", "platform", platform, "reason", ctx.Err())
			return
		case <-ticker.C:
			s.dispatchPlatform(ctx, platform)
		}
	}
}

func (s *Server) dispatchPlatform(ctx context.Context, platform pipeline.PlatformType) {
	integrations, err := s.store.ListIntegrations(ctx)
	if err != nil {
		s.logger.Error("scheduler list integrations failed", "platform", platform, "error", err)
		return
	}
	for _, integration := range integrations {
		if integration.Platform != platform {
			continue
		}
		switch integration.Status {
		case pipeline.IntegrationStatusDone, pipeline.IntegrationStatusError:
			// Eligible for an incremental pass.
		default:
			continue
		}
		if err := ctx.Err(); err != nil {
			return
		}
		id, err := s.orchestrator.RunIngestAsync(ctx, RunWorkflowInput{
			IntegrationID: integration.ID,
			Onboarding:    false,
			Reason:        "scheduler",
		})
		if err != nil {
			s.logger.Error("scheduler dispatch failed", "integration_id", integration.ID, "error", err)
			continue
		}
		s.logger.Info("scheduler dispatched run", "integration_id", integration.ID, "platform", platform, "workflow_id", id)
	}
}

func parseIntDefault(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": strings.TrimSpace(fmt.Sprintf(format, args...)),
			"status":  status,
		},
	})
}
