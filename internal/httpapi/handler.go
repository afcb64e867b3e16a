// Package httpapi is the HTTP boundary over internal/client (spec §6):
// create/delete/get/list instance routes, the network-facing twin of cmd's
// CLI. Grounded on wisbric-nightowl's pkg/*/handler.go chi.Router-per-
// resource shape, generalized from a direct-to-database handler to one that
// only ever calls through internal/client.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/affandar/toygres/internal/client"
	"github.com/affandar/toygres/internal/historystore"
	"github.com/affandar/toygres/internal/lifecycle"
	"github.com/affandar/toygres/pkg/errs"
)

// Handler provides HTTP handlers for the instance lifecycle.
type Handler struct {
	client *client.Client
	logger *slog.Logger
}

// NewHandler creates a Handler over client.
func NewHandler(c *client.Client, logger *slog.Logger) *Handler {
	return &Handler{client: c, logger: logger}
}

// Routes returns a chi.Router with the instance lifecycle routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Get("/{k8sName}", h.handleGet)
	r.Delete("/{k8sName}", h.handleDelete)
	r.Get("/{k8sName}/history", h.handleHistory)
	return r
}

type createRequest struct {
	K8sName         string `json:"k8s_name"`
	UserName        string `json:"user_name"`
	Region          string `json:"region"`
	Namespace       string `json:"namespace,omitempty"`
	Password        string `json:"password,omitempty"`
	PostgresVersion string `json:"postgres_version,omitempty"`
	StorageSizeGB   int    `json:"storage_size_gb,omitempty"`
	UseLoadBalancer bool   `json:"use_load_balancer,omitempty"`
	DNSLabel        string `json:"dns_label,omitempty"`
}

// handleCreate starts a CreateInstance orchestration for the requested
// instance, using k8s_name as the orchestration instance_id (spec §4.5/§6).
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.K8sName == "" || req.UserName == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "k8s_name and user_name are required")
		return
	}

	ctx := r.Context()
	input := lifecycle.CreateInstanceInput{
		K8sName:         req.K8sName,
		UserName:        req.UserName,
		Region:          req.Region,
		Namespace:       req.Namespace,
		Password:        req.Password,
		PostgresVersion: req.PostgresVersion,
		StorageSizeGB:   req.StorageSizeGB,
		UseLoadBalancer: req.UseLoadBalancer,
		DNSLabel:        req.DNSLabel,
	}
	if err := h.client.Start(ctx, req.K8sName, lifecycle.OrchestrationCreateInstance, lifecycle.Version, input); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			respondError(w, http.StatusConflict, "already_exists", "an instance with this k8s_name already exists")
			return
		}
		h.logger.Error("starting create_instance", "error", err, "k8s_name", req.K8sName)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to start instance creation")
		return
	}

	respond(w, http.StatusAccepted, map[string]string{"k8s_name": req.K8sName, "status": "accepted"})
}

// handleDelete starts a DeleteInstance orchestration for k8sName.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	k8sName := chi.URLParam(r, "k8sName")
	ctx := r.Context()

	input := lifecycle.DeleteInstanceInput{K8sName: k8sName}
	deleteInstanceID := k8sName + "-delete"
	if err := h.client.Start(ctx, deleteInstanceID, lifecycle.OrchestrationDeleteInstance, lifecycle.Version, input); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			respond(w, http.StatusAccepted, map[string]string{"k8s_name": k8sName, "status": "deletion_already_in_progress"})
			return
		}
		h.logger.Error("starting delete_instance", "error", err, "k8s_name", k8sName)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to start instance deletion")
		return
	}

	respond(w, http.StatusAccepted, map[string]string{"k8s_name": k8sName, "status": "accepted"})
}

// handleGet returns the CreateInstance orchestration's current status.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	k8sName := chi.URLParam(r, "k8sName")
	ctx := r.Context()

	inst, err := h.client.Get(ctx, k8sName)
	if err != nil {
		if client.IsNotFound(err) {
			respondError(w, http.StatusNotFound, "not_found", "no instance with this k8s_name")
			return
		}
		h.logger.Error("getting instance", "error", err, "k8s_name", k8sName)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to get instance")
		return
	}

	respond(w, http.StatusOK, inst)
}

// handleHistory returns the current execution's event history, for
// debugging and audit (spec §4.6 get_history).
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	k8sName := chi.URLParam(r, "k8sName")
	ctx := r.Context()

	events, err := h.client.History(ctx, k8sName)
	if err != nil {
		if client.IsNotFound(err) {
			respondError(w, http.StatusNotFound, "not_found", "no instance with this k8s_name")
			return
		}
		h.logger.Error("getting history", "error", err, "k8s_name", k8sName)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to get history")
		return
	}

	respond(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// handleList returns orchestration instances, optionally filtered by
// status and orchestration_name query parameters (spec §4.6 list).
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter := historystore.ListFilter{
		OrchestrationName: r.URL.Query().Get("orchestration_name"),
		Status:            historystore.Status(r.URL.Query().Get("status")),
		Limit:             50,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			filter.Limit = n
		}
	}

	instances, err := h.client.List(ctx, filter)
	if err != nil {
		h.logger.Error("listing instances", "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to list instances")
		return
	}

	respond(w, http.StatusOK, map[string]any{"instances": instances, "count": len(instances)})
}
