package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/loadout/internal/budget"
	"github.com/nidhogg/loadout/internal/skill"
	"github.com/nidhogg/loadout/internal/source"
	"go.uber.org/zap"
)

// Handler holds dependencies for HTTP handlers. The lifecycle manager and
// the budget allocator track independent pools; activation requests that
// carry a priority are routed through the allocator here, and the grant is
// released again when the skill leaves the context.
type Handler struct {
	manager *skill.Manager
	alloc   *budget.Allocator
	src     source.Source
	logger  *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(manager *skill.Manager, alloc *budget.Allocator, src source.Source, logger *zap.Logger) *Handler {
	return &Handler{
		manager: manager,
		alloc:   alloc,
		src:     src,
		logger:  logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		// Lifecycle routes
		r.Get("/skills", h.listSkills)
		r.Get("/skills/available", h.listAvailable)
		r.Get("/skills/{name}", h.getSkill)
		r.Post("/skills/{name}/load", h.loadSkill)
		r.Post("/skills/{name}/unload", h.unloadSkill)
		r.Post("/skills/{name}/activate", h.activateSkill)
		r.Post("/skills/{name}/deactivate", h.deactivateSkill)
		r.Post("/skills/{name}/upgrade", h.upgradeSkill)
		r.Post("/skills/{name}/rollback", h.rollbackSkill)
		r.Get("/skills/{name}/events", h.skillEvents)
		r.Put("/skills/{name}/content", h.putSkillContent)
		r.Get("/events", h.allEvents)
		r.Get("/context", h.contextStatus)

		// Budget allocator routes
		r.Get("/budget", h.budgetStatus)
		r.Get("/budget/history", h.budgetHistory)
		r.Post("/budget/allocate", h.allocateBudget)
		r.Post("/budget/use", h.useBudget)
		r.Post("/budget/release", h.releaseBudget)
		r.Post("/budget/rebalance", h.rebalanceBudget)
		r.Get("/budget/{skill}", h.getBudget)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "loadout"})
}

func (h *Handler) listSkills(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.List())
}

func (h *Handler) listAvailable(w http.ResponseWriter, r *http.Request) {
	names, err := h.src.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"skills": names, "count": len(names)})
}

func (h *Handler) getSkill(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s, ok := h.manager.Get(name)
	if !ok {
		// Unseen names are still addressable; they just have no history.
		s = skill.Skill{Name: name, State: skill.StateDiscovered}
	}
	writeJSON(w, http.StatusOK, s)
}

type loadRequest struct {
	Version string `json:"version"`
}

func (h *Handler) loadSkill(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req loadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if !h.manager.Load(r.Context(), name, req.Version) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "load failed",
			"state": string(h.manager.State(name)),
		})
		return
	}
	s, _ := h.manager.Get(name)
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) unloadSkill(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !h.manager.Unload(name) {
		status := http.StatusConflict
		if h.manager.State(name) == skill.StateDiscovered {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{
			"error": "unload failed",
			"state": string(h.manager.State(name)),
		})
		return
	}
	h.alloc.Release(name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "unloaded"})
}

type activateRequest struct {
	Allocation int `json:"allocation"`
	Priority   int `json:"priority"`
}

func (h *Handler) activateSkill(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	allocation := req.Allocation
	if req.Priority > 1 {
		// Priority requests go through the allocator pool so they can
		// reclaim from lower-priority holders; the skill is then activated
		// at whatever was actually granted.
		if allocation <= 0 {
			allocation = h.manager.DefaultAllocation()
		}
		granted := h.alloc.Allocate(name, allocation, req.Priority)
		if granted == 0 {
			h.alloc.Release(name)
			writeJSON(w, http.StatusConflict, map[string]string{"error": "no budget available"})
			return
		}
		allocation = granted
	}

	content, ok := h.manager.Activate(r.Context(), name, allocation)
	if !ok {
		if req.Priority > 1 {
			h.alloc.Release(name)
		}
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "activation failed",
			"state": string(h.manager.State(name)),
		})
		return
	}
	s, _ := h.manager.Get(name)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":       name,
		"state":      s.State,
		"version":    s.Version,
		"allocation": s.Allocation,
		"content":    content,
	})
}

func (h *Handler) deactivateSkill(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	h.manager.Deactivate(name)
	h.alloc.Release(name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

type upgradeRequest struct {
	Version string `json:"version"`
}

func (h *Handler) upgradeSkill(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req upgradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	target, err := skill.ParseVersion(req.Version)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if !h.manager.Upgrade(r.Context(), name, target) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "upgrade failed",
			"state": string(h.manager.State(name)),
		})
		return
	}
	s, _ := h.manager.Get(name)
	writeJSON(w, http.StatusOK, s)
}

type rollbackRequest struct {
	Steps int `json:"steps"`
}

func (h *Handler) rollbackSkill(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if !h.manager.Rollback(r.Context(), name, req.Steps) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "rollback failed"})
		return
	}
	s, _ := h.manager.Get(name)
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) skillEvents(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	writeJSON(w, http.StatusOK, h.manager.Events(name))
}

func (h *Handler) allEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Events(""))
}

type contentRequest struct {
	Description string `json:"description"`
	Text        string `json:"text"`
	Version     string `json:"version"`
}

func (h *Handler) putSkillContent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	writer, ok := h.src.(source.Writer)
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "skill source is read-only"})
		return
	}

	var req contentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}
	if _, err := skill.ParseVersion(req.Version); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	c := &source.Content{
		Name:            name,
		Description:     req.Description,
		Text:            req.Text,
		DeclaredVersion: req.Version,
	}
	if err := writer.Save(r.Context(), c); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) contextStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"budget":    h.manager.ContextBudget(),
		"available": h.manager.AvailableBudget(),
		"active":    h.manager.ContextUsage(),
	})
}

func (h *Handler) budgetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":     h.alloc.Total(),
		"allocated": h.alloc.TotalAllocated(),
		"used":      h.alloc.TotalUsed(),
		"available": h.alloc.Available(),
		"records":   h.alloc.AllBudgets(),
	})
}

func (h *Handler) budgetHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.alloc.History())
}

type allocateRequest struct {
	Skill    string `json:"skill"`
	Tokens   int    `json:"tokens"`
	Priority int    `json:"priority"`
}

func (h *Handler) allocateBudget(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Skill == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "skill is required"})
		return
	}

	granted := h.alloc.Allocate(req.Skill, req.Tokens, req.Priority)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"skill":     req.Skill,
		"requested": req.Tokens,
		"granted":   granted,
	})
}

type useRequest struct {
	Skill  string `json:"skill"`
	Tokens int    `json:"tokens"`
}

func (h *Handler) useBudget(w http.ResponseWriter, r *http.Request) {
	var req useRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if !h.alloc.Use(req.Skill, req.Tokens) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "insufficient budget"})
		return
	}
	rec, _ := h.alloc.Budget(req.Skill)
	writeJSON(w, http.StatusOK, rec)
}

type releaseRequest struct {
	Skill string `json:"skill"`
}

func (h *Handler) releaseBudget(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Skill == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "skill is required"})
		return
	}
	h.alloc.Release(req.Skill)
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (h *Handler) rebalanceBudget(w http.ResponseWriter, r *http.Request) {
	adjusted := h.alloc.Rebalance()
	writeJSON(w, http.StatusOK, map[string]interface{}{"adjusted": adjusted})
}

func (h *Handler) getBudget(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "skill")
	rec, ok := h.alloc.Budget(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no budget record"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"skill":       rec.Skill,
		"allocated":   rec.Allocated,
		"used":        rec.Used,
		"priority":    rec.Priority,
		"remaining":   rec.Remaining(),
		"utilization": rec.Utilization(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
