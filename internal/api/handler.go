package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-health/kestrel/internal/config"
	"github.com/opensource-health/kestrel/internal/domain"
	"github.com/opensource-health/kestrel/internal/fraud"
	"github.com/opensource-health/kestrel/internal/history"
	"github.com/opensource-health/kestrel/internal/pipeline"
	"github.com/opensource-health/kestrel/internal/repository"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	engine    *pipeline.Engine
	assembler *config.Assembler
	history   *history.Service
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *pipeline.Engine, assembler *config.Assembler, hist *history.Service, version string) *Handler {
	return &Handler{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		engine:    engine,
		assembler: assembler,
		history:   hist,
		version:   version,
	}
}

// EvaluateRequest is the request body for POST /evaluate.
type EvaluateRequest struct {
	// Pipeline names the pipeline to run. May be omitted when exactly one
	// pipeline is loaded.
	Pipeline string `json:"pipeline,omitempty"`

	// Async queues the case for the worker instead of evaluating inline.
	Async bool `json:"async,omitempty"`

	Facts domain.CaseFacts `json:"facts"`
}

// EvaluateResponse is the synchronous response for POST /evaluate.
type EvaluateResponse struct {
	DecisionID     string                `json:"decisionId"`
	CaseID         string                `json:"caseId"`
	State          domain.EvalState      `json:"state"`
	Recommendation domain.Recommendation `json:"recommendation"`
	Confidence     domain.Confidence     `json:"confidence"`
	WeightedScore  *float64              `json:"weightedScore,omitempty"`
	FraudMatches   []domain.FraudMatch   `json:"fraudMatches,omitempty"`
	DecisionPath   []string              `json:"decisionPath"`
	Metadata       struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Evaluate handles POST /evaluate requests.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	facts := req.Facts
	facts.TenantID = tenantID
	if facts.CaseID == "" {
		facts.CaseID = uuid.New().String()
	}
	if facts.SubmittedAt.IsZero() {
		facts.SubmittedAt = time.Now().UTC()
	}

	if err := facts.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	pipelineName, err := h.resolvePipeline(req.Pipeline)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	// Persist the case before evaluating so history windows include it
	// and the worker can pick it up by ID.
	if h.repo != nil {
		c := &domain.Case{
			ID:        facts.CaseID,
			TenantID:  tenantID,
			Facts:     facts,
			CreatedAt: time.Now().UTC(),
		}
		if err := h.repo.SaveCase(ctx, tenantID, c); err != nil {
			slog.Error("failed to save case", "case_id", facts.CaseID, "error", err)
		}
	}
	if h.cache != nil {
		_ = h.cache.SetFacts(ctx, tenantID, facts.CaseID, &facts, 10*time.Minute)
	}
	if h.history != nil {
		if err := h.history.RecordSubmission(ctx, &facts); err != nil {
			slog.Warn("failed to record submission counters", "case_id", facts.CaseID, "error", err)
		}
	}

	if req.Async {
		h.enqueue(w, r, pipelineName, &facts)
		return
	}

	decision, err := h.engine.Evaluate(ctx, pipelineName, &facts)
	if err != nil {
		if errors.Is(err, pipeline.ErrPipelineNotFound) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		if errors.Is(err, domain.ErrInvalidCaseFacts) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		slog.Error("evaluation failed", "case_id", facts.CaseID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "evaluation failed",
		})
		return
	}

	resp := EvaluateResponse{
		DecisionID:     decision.ID,
		CaseID:         decision.CaseID,
		State:          decision.State,
		Recommendation: decision.Recommendation,
		Confidence:     decision.Confidence,
		WeightedScore:  decision.WeightedScore,
		FraudMatches:   triggeredOnly(decision.FraudMatches),
		DecisionPath:   decision.DecisionPath,
	}
	resp.Metadata.TraceID = traceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// CaseMessage is the payload published for async evaluation.
type CaseMessage struct {
	CaseID   string `json:"caseId"`
	Pipeline string `json:"pipeline"`
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, pipelineName string, facts *domain.CaseFacts) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}

	payload, _ := json.Marshal(CaseMessage{
		CaseID:   facts.CaseID,
		Pipeline: pipelineName,
	})

	if err := h.bus.Publish(ctx, tenantID, domain.TopicCaseSubmitted, payload); err != nil {
		slog.Error("failed to queue case", "case_id", facts.CaseID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to queue case",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"caseId":   facts.CaseID,
		"pipeline": pipelineName,
		"status":   "queued",
	})
}

func (h *Handler) resolvePipeline(name string) (string, error) {
	if name != "" {
		return name, nil
	}
	defs := h.engine.Store().Load().Pipelines()
	if len(defs) == 1 {
		return defs[0].Name, nil
	}
	return "", errors.New("pipeline is required when more than one pipeline is loaded")
}

func triggeredOnly(matches []domain.FraudMatch) []domain.FraudMatch {
	return fraud.Matched(matches)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetDecision retrieves a decision by ID.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	decisionID := chi.URLParam(r, "id")

	if decisionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "decision id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	decision, err := h.repo.GetDecision(ctx, tenantID, decisionID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get decision", "id", decisionID, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "decision not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, decision)
}

// GetCase retrieves a case by ID.
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	caseID := chi.URLParam(r, "id")

	if caseID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "case id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	c, err := h.repo.GetCase(ctx, tenantID, caseID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get case", "id", caseID, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "case not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// ListRules returns the fraud rules in the current snapshot.
// Rules are loaded at startup and swapped in via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules := h.engine.Store().Load().Matcher.Rules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

// GetRule retrieves a fraud rule by ID from the current snapshot.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	for _, rule := range h.engine.Store().Load().Matcher.Rules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRule validates and persists a fraud rule for all tenants.
// The new rule takes effect after POST /rules/reload.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rule domain.FraudIndicatorRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if rule.ID == "" || rule.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id and name are required",
		})
		return
	}

	// Compile before saving: a rule the matcher would skip at load must
	// be rejected here instead of silently dropped later.
	trial, err := fraud.NewMatcher([]*domain.FraudIndicatorRule{activated(&rule)}, nil, 1)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to validate rule",
		})
		return
	}
	if trial.RuleCount() != 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule condition does not compile",
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveFraudRule(ctx, config.GlobalTenantID, &rule); err != nil {
			slog.Error("failed to save fraud rule", "id", rule.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save rule",
			})
			return
		}
	}

	slog.Info("fraud rule created", "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// activated returns a copy with Active forced on so validation compiles
// the condition even for rules created disabled.
func activated(rule *domain.FraudIndicatorRule) *domain.FraudIndicatorRule {
	copied := *rule
	copied.Active = true
	return &copied
}

// ListPipelines returns the pipeline definitions in the current snapshot.
func (h *Handler) ListPipelines(w http.ResponseWriter, r *http.Request) {
	defs := h.engine.Store().Load().Pipelines()

	writeJSON(w, http.StatusOK, map[string]any{
		"pipelines": defs,
		"count":     len(defs),
	})
}

// GetPipeline retrieves a pipeline definition by name.
func (h *Handler) GetPipeline(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "pipeline name is required",
		})
		return
	}

	def, ok := h.engine.Store().Load().Pipeline(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "pipeline not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, def)
}

// CreatePipeline validates and persists a pipeline definition for all
// tenants. Takes effect after POST /pipelines/reload.
func (h *Handler) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var def domain.PipelineDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := def.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SavePipeline(ctx, config.GlobalTenantID, &def); err != nil {
			slog.Error("failed to save pipeline", "name", def.Name, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save pipeline",
			})
			return
		}
	}

	slog.Info("pipeline created", "name", def.Name, "stages", len(def.Stages))
	writeJSON(w, http.StatusCreated, map[string]any{
		"pipeline": def,
		"message":  "Pipeline created. Call POST /pipelines/reload to apply changes.",
	})
}

// Reload rebuilds the whole evaluation snapshot (pipelines and fraud
// rules) and swaps it in atomically. Evaluations in flight finish on the
// snapshot they started with.
func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.assembler == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "snapshot assembler not available",
		})
		return
	}

	version := time.Now().UTC().Format(time.RFC3339)
	snap, err := h.assembler.BuildSnapshot(ctx, version)
	if err != nil {
		slog.Error("failed to rebuild snapshot", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload: " + err.Error(),
		})
		return
	}

	h.engine.Store().Swap(snap)

	slog.Info("snapshot reloaded",
		"version", snap.Version,
		"pipelines", len(snap.Pipelines()),
		"fraud_rules", snap.Matcher.RuleCount(),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"message":     "snapshot reloaded successfully",
		"version":     snap.Version,
		"pipelines":   len(snap.Pipelines()),
		"fraud_rules": snap.Matcher.RuleCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
