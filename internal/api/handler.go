package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"escalation/internal/clock"
	"escalation/internal/config"
	"escalation/internal/domain"
	"escalation/internal/engine"
	"escalation/internal/stats"
)

const (
	defaultListLimit = 50
	defaultActor     = "api"
)

// envelope is the uniform response wrapper for every API endpoint.
// Params: success flag, payload or error message, and server timestamp.
// Returns: serialized response body.
type envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Handler exposes the escalation engine over HTTP.
// Params: engine, request limits, readiness probe, logger, clock.
// Returns: configured handler with routed mux.
type Handler struct {
	engine       *engine.Engine
	logger       *slog.Logger
	clk          clock.Clock
	maxBodyBytes int64
	ready        func() bool
	mux          *http.ServeMux
}

// NewHandler builds the routed API handler.
// Params: API config, engine, readiness probe, logger, and clock.
// Returns: handler implementing http.Handler.
func NewHandler(
	cfg config.APIConfig,
	eng *engine.Engine,
	ready func() bool,
	logger *slog.Logger,
	clk clock.Clock,
) *Handler {
	handler := &Handler{
		engine:       eng,
		logger:       logger,
		clk:          clk,
		maxBodyBytes: cfg.MaxBodyBytes,
		ready:        ready,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /process", handler.handleProcess)
	mux.HandleFunc("GET /escalations", handler.handleListEscalations)
	mux.HandleFunc("GET /escalations/{id}", handler.handleGetEscalation)
	mux.HandleFunc("POST /escalations/{id}/acknowledge", handler.handleAcknowledge)
	mux.HandleFunc("POST /escalations/{id}/resolve", handler.handleResolve)
	mux.HandleFunc("GET /rules", handler.handleListRules)
	mux.HandleFunc("GET /rules/{id}", handler.handleGetRule)
	mux.HandleFunc("GET /stats", handler.handleStats)
	mux.HandleFunc("GET /status", handler.handleStatus)
	mux.HandleFunc("GET /active", handler.handleActive)
	mux.HandleFunc("GET /critical", handler.handleCritical)
	mux.HandleFunc("GET /history/{id}", handler.handleHistory)
	mux.HandleFunc("POST /test", handler.handleTest)
	mux.HandleFunc("GET "+cfg.HealthPath, handler.handleHealth)
	mux.HandleFunc("GET "+cfg.ReadyPath, handler.handleReady)
	handler.mux = mux
	return handler
}

// ServeHTTP dispatches one request through the routed mux.
// Params: HTTP request/response writer pair.
// Returns: none.
func (h *Handler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	h.mux.ServeHTTP(writer, request)
}

// handleProcess ingests one alert over HTTP.
// Params: POST body with the alert JSON.
// Returns: 400 invalid, 201 record, 200 null when no rule, 500 unexpected.
func (h *Handler) handleProcess(writer http.ResponseWriter, request *http.Request) {
	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodyBytes)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		h.respondError(writer, http.StatusBadRequest, "cannot read request body")
		return
	}

	alert, err := domain.DecodeAlert(body)
	if err != nil {
		h.respondError(writer, http.StatusBadRequest, err.Error())
		return
	}
	h.processAlert(writer, request, alert)
}

// processAlert runs one alert through the engine and writes the envelope.
// Params: response writer, request, and decoded alert.
// Returns: none.
func (h *Handler) processAlert(writer http.ResponseWriter, request *http.Request, alert domain.Alert) {
	record, err := h.engine.ProcessAlert(request.Context(), alert)
	if err != nil {
		h.logger.Error("process alert failed", "alert_id", alert.ID, "error", err.Error())
		h.respondError(writer, http.StatusInternalServerError, "internal error")
		return
	}
	if record == nil {
		h.respond(writer, http.StatusOK, nil)
		return
	}
	h.respond(writer, http.StatusCreated, record)
}

// handleListEscalations lists records with filters and pagination.
// Params: query params status, ruleId, originalAlertId, limit, offset.
// Returns: createdAt-descending page of records.
func (h *Handler) handleListEscalations(writer http.ResponseWriter, request *http.Request) {
	records, err := h.engine.Escalations(request.Context())
	if err != nil {
		h.logger.Error("list escalations failed", "error", err.Error())
		h.respondError(writer, http.StatusInternalServerError, "internal error")
		return
	}

	query := request.URL.Query()
	statusFilter := strings.ToUpper(strings.TrimSpace(query.Get("status")))
	ruleFilter := strings.TrimSpace(query.Get("ruleId"))
	alertFilter := strings.TrimSpace(query.Get("originalAlertId"))

	filtered := make([]domain.Record, 0, len(records))
	for _, record := range records {
		if statusFilter != "" && string(record.Status) != statusFilter {
			continue
		}
		if ruleFilter != "" && record.RuleID != ruleFilter {
			continue
		}
		if alertFilter != "" && record.OriginalAlertID != alertFilter {
			continue
		}
		filtered = append(filtered, record)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	limit := queryInt(query.Get("limit"), defaultListLimit)
	offset := queryInt(query.Get("offset"), 0)
	h.respond(writer, http.StatusOK, paginate(filtered, limit, offset))
}

// handleGetEscalation reads one record by id.
// Params: path id.
// Returns: 404 when absent.
func (h *Handler) handleGetEscalation(writer http.ResponseWriter, request *http.Request) {
	record, found, err := h.engine.Escalation(request.Context(), request.PathValue("id"))
	if err != nil {
		h.logger.Error("get escalation failed", "error", err.Error())
		h.respondError(writer, http.StatusInternalServerError, "internal error")
		return
	}
	if !found {
		h.respondError(writer, http.StatusNotFound, "escalation not found")
		return
	}
	h.respond(writer, http.StatusOK, record)
}

// handleAcknowledge acknowledges one active record.
// Params: path id and optional body {"by": "..."}.
// Returns: 404 when absent or not acknowledgeable.
func (h *Handler) handleAcknowledge(writer http.ResponseWriter, request *http.Request) {
	id := request.PathValue("id")
	ok, err := h.engine.Acknowledge(request.Context(), id, h.readActor(request))
	if err != nil {
		h.logger.Error("acknowledge failed", "record_id", id, "error", err.Error())
		h.respondError(writer, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		h.respondError(writer, http.StatusNotFound, "escalation not found or not active")
		return
	}
	record, _, _ := h.engine.Escalation(request.Context(), id)
	h.respond(writer, http.StatusOK, record)
}

// handleResolve resolves one record.
// Params: path id and optional body {"by": "..."}.
// Returns: 404 when absent or already resolved.
func (h *Handler) handleResolve(writer http.ResponseWriter, request *http.Request) {
	id := request.PathValue("id")
	ok, err := h.engine.Resolve(request.Context(), id, h.readActor(request))
	if err != nil {
		h.logger.Error("resolve failed", "record_id", id, "error", err.Error())
		h.respondError(writer, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		h.respondError(writer, http.StatusNotFound, "escalation not found or already resolved")
		return
	}
	record, _, _ := h.engine.Escalation(request.Context(), id)
	h.respond(writer, http.StatusOK, record)
}

// handleListRules lists catalog rules with optional filters.
// Params: query params active (bool) and priority (int).
// Returns: configured rules in priority order.
func (h *Handler) handleListRules(writer http.ResponseWriter, request *http.Request) {
	query := request.URL.Query()
	all := h.engine.Rules().All()
	filtered := make([]config.RuleConfig, 0, len(all))
	for _, rule := range all {
		if rawActive := query.Get("active"); rawActive != "" {
			wantActive, err := strconv.ParseBool(rawActive)
			if err != nil {
				h.respondError(writer, http.StatusBadRequest, "active must be a boolean")
				return
			}
			if rule.IsActive != wantActive {
				continue
			}
		}
		if rawPriority := query.Get("priority"); rawPriority != "" {
			wantPriority, err := strconv.Atoi(rawPriority)
			if err != nil {
				h.respondError(writer, http.StatusBadRequest, "priority must be an integer")
				return
			}
			if rule.Priority != wantPriority {
				continue
			}
		}
		filtered = append(filtered, rule)
	}
	h.respond(writer, http.StatusOK, filtered)
}

// handleGetRule reads one rule by id.
// Params: path id.
// Returns: 404 when not configured.
func (h *Handler) handleGetRule(writer http.ResponseWriter, request *http.Request) {
	rule, ok := h.engine.Rules().Rule(request.PathValue("id"))
	if !ok {
		h.respondError(writer, http.StatusNotFound, "rule not found")
		return
	}
	h.respond(writer, http.StatusOK, rule)
}

// handleStats computes the aggregate snapshot.
// Params: none.
// Returns: statistics over the full record set.
func (h *Handler) handleStats(writer http.ResponseWriter, request *http.Request) {
	records, err := h.engine.Escalations(request.Context())
	if err != nil {
		h.logger.Error("stats read failed", "error", err.Error())
		h.respondError(writer, http.StatusInternalServerError, "internal error")
		return
	}
	h.respond(writer, http.StatusOK, stats.Compute(records))
}

// handleStatus reports a service-level summary.
// Params: none.
// Returns: record/rule counters.
func (h *Handler) handleStatus(writer http.ResponseWriter, request *http.Request) {
	records, err := h.engine.Escalations(request.Context())
	if err != nil {
		h.logger.Error("status read failed", "error", err.Error())
		h.respondError(writer, http.StatusInternalServerError, "internal error")
		return
	}
	active := 0
	for _, record := range records {
		if record.Status == domain.StatusActive {
			active++
		}
	}
	h.respond(writer, http.StatusOK, map[string]any{
		"status":       "running",
		"totalRecords": len(records),
		"activeCount":  active,
		"ruleCount":    len(h.engine.Rules().All()),
	})
}

// handleActive lists records still progressing through their ladder.
// Params: none.
// Returns: ACTIVE records, createdAt descending.
func (h *Handler) handleActive(writer http.ResponseWriter, request *http.Request) {
	h.listByPredicate(writer, request, func(record domain.Record) bool {
		return record.Status == domain.StatusActive
	})
}

// handleCritical lists active records of critical weight.
// Params: none.
// Returns: ACTIVE records with CRITICAL severity or EMERGENCY type.
func (h *Handler) handleCritical(writer http.ResponseWriter, request *http.Request) {
	h.listByPredicate(writer, request, func(record domain.Record) bool {
		if record.Status != domain.StatusActive {
			return false
		}
		return record.Severity == domain.SeverityCritical || record.AlertType == domain.AlertTypeEmergency
	})
}

// handleHistory reads one record's append-only history.
// Params: path id.
// Returns: 404 when absent.
func (h *Handler) handleHistory(writer http.ResponseWriter, request *http.Request) {
	record, found, err := h.engine.Escalation(request.Context(), request.PathValue("id"))
	if err != nil {
		h.logger.Error("history read failed", "error", err.Error())
		h.respondError(writer, http.StatusInternalServerError, "internal error")
		return
	}
	if !found {
		h.respondError(writer, http.StatusNotFound, "escalation not found")
		return
	}
	h.respond(writer, http.StatusOK, record.History)
}

// handleTest processes a synthetic emergency alert end to end.
// Params: none.
// Returns: same contract as /process.
func (h *Handler) handleTest(writer http.ResponseWriter, request *http.Request) {
	now := h.clk.Now()
	alert := domain.Alert{
		ID:          fmt.Sprintf("test-%d", now.UnixMilli()),
		Type:        domain.AlertTypeEmergency,
		Severity:    domain.SeverityCritical,
		Title:       "Test escalation",
		Description: "Synthetic alert submitted via POST /test",
		Zone:        "test-zone",
		Timestamp:   now,
	}
	h.processAlert(writer, request, alert)
}

// handleHealth reports process liveness.
// Params: none.
// Returns: static ok payload.
func (h *Handler) handleHealth(writer http.ResponseWriter, _ *http.Request) {
	h.respond(writer, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports readiness of wired backends.
// Params: none.
// Returns: 200 when ready, 503 otherwise.
func (h *Handler) handleReady(writer http.ResponseWriter, _ *http.Request) {
	if h.ready != nil && !h.ready() {
		h.respondError(writer, http.StatusServiceUnavailable, "not ready")
		return
	}
	h.respond(writer, http.StatusOK, map[string]string{"status": "ready"})
}

// listByPredicate filters the record set and writes it sorted descending.
// Params: writer, request, and record predicate.
// Returns: none.
func (h *Handler) listByPredicate(writer http.ResponseWriter, request *http.Request, keep func(domain.Record) bool) {
	records, err := h.engine.Escalations(request.Context())
	if err != nil {
		h.logger.Error("list read failed", "error", err.Error())
		h.respondError(writer, http.StatusInternalServerError, "internal error")
		return
	}
	filtered := make([]domain.Record, 0, len(records))
	for _, record := range records {
		if keep(record) {
			filtered = append(filtered, record)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})
	h.respond(writer, http.StatusOK, filtered)
}

// readActor extracts the acting operator from an optional JSON body.
// Params: request with optional {"by": "..."} payload.
// Returns: operator name, defaulting to "api".
func (h *Handler) readActor(request *http.Request) string {
	defer request.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(nil, request.Body, h.maxBodyBytes))
	if err != nil || len(body) == 0 {
		return defaultActor
	}
	var payload struct {
		By string `json:"by"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return defaultActor
	}
	if strings.TrimSpace(payload.By) == "" {
		return defaultActor
	}
	return strings.TrimSpace(payload.By)
}

// respond writes one success envelope.
// Params: writer, status code, and payload.
// Returns: none.
func (h *Handler) respond(writer http.ResponseWriter, status int, data any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(envelope{
		Success:   true,
		Data:      data,
		Timestamp: h.clk.Now().Format("2006-01-02T15:04:05.000Z07:00"),
	}); err != nil {
		h.logger.Warn("response encode failed", "error", err.Error())
	}
}

// respondError writes one failure envelope.
// Params: writer, status code, and error message.
// Returns: none.
func (h *Handler) respondError(writer http.ResponseWriter, status int, message string) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(envelope{
		Success:   false,
		Error:     message,
		Timestamp: h.clk.Now().Format("2006-01-02T15:04:05.000Z07:00"),
	}); err != nil {
		h.logger.Warn("response encode failed", "error", err.Error())
	}
}

// queryInt parses one non-negative integer query value with fallback.
// Params: raw query value and default.
// Returns: parsed value or fallback.
func queryInt(raw string, fallback int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

// paginate slices one record list by limit/offset.
// Params: sorted records, page size, and start offset.
// Returns: page slice (possibly empty, never nil).
func paginate(records []domain.Record, limit, offset int) []domain.Record {
	if offset >= len(records) {
		return []domain.Record{}
	}
	end := offset + limit
	if limit <= 0 || end > len(records) {
		end = len(records)
	}
	return records[offset:end]
}
