package admin

import (
	"net/http"

	"github.com/Sentinel-Gate/quotagate/internal/config"
	"github.com/Sentinel-Gate/quotagate/internal/domain/access"
	"github.com/Sentinel-Gate/quotagate/internal/domain/endpoint"
	"github.com/Sentinel-Gate/quotagate/internal/domain/ratelimit"
)

// EndpointRequest is the body of POST /admin/api/endpoints.
// Active defaults to true when omitted.
type EndpointRequest struct {
	Path        string               `json:"path"`
	Verb        string               `json:"verb"`
	Visibility  string               `json:"visibility"`
	Description string               `json:"description,omitempty"`
	Active      *bool                `json:"active,omitempty"`
	RateLimit   *ratelimit.LimitSpec `json:"rate_limit,omitempty"`
}

func (req EndpointRequest) descriptor() endpoint.Descriptor {
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	return endpoint.Descriptor{
		Path:        req.Path,
		Verb:        req.Verb,
		Visibility:  endpoint.Visibility(req.Visibility),
		Description: req.Description,
		Active:      active,
		RateLimit:   req.RateLimit,
	}
}

// EndpointTargetRequest names an endpoint by exact path and verb.
type EndpointTargetRequest struct {
	Path string `json:"path"`
	Verb string `json:"verb"`
}

// RateLimitRequest is the body of PUT /admin/api/endpoints/rate-limit.
// A nil RateLimit clears the override.
type RateLimitRequest struct {
	Path      string               `json:"path"`
	Verb      string               `json:"verb"`
	RateLimit *ratelimit.LimitSpec `json:"rate_limit"`
}

// ToggleResponse reports the outcome of activate and deactivate.
type ToggleResponse struct {
	Endpoint endpoint.Descriptor `json:"endpoint"`
	Changed  bool                `json:"changed"`
}

func (h *AdminAPIHandler) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	if !h.requireAccess(w) {
		return
	}
	endpoints := h.accessService.Endpoints()
	if endpoints == nil {
		endpoints = []endpoint.Descriptor{}
	}
	h.respondJSON(w, http.StatusOK, endpoints)
}

func (h *AdminAPIHandler) handleAddEndpoint(w http.ResponseWriter, r *http.Request) {
	if !h.requireAccess(w) {
		return
	}
	var req EndpointRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	d, err := h.accessService.AddEndpoint(r.Context(), req.descriptor())
	if err != nil {
		h.respondAccessError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, d)
}

func (h *AdminAPIHandler) handleRemoveEndpoint(w http.ResponseWriter, r *http.Request) {
	if !h.requireAccess(w) {
		return
	}
	path, verb, ok := endpointTarget(r)
	if !ok {
		h.respondError(w, http.StatusBadRequest, "path and verb query parameters are required")
		return
	}
	if err := h.accessService.RemoveEndpoint(r.Context(), path, verb); err != nil {
		h.respondAccessError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetEndpoint looks up the endpoint registered under exactly path and verb.
func (h *AdminAPIHandler) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	if !h.requireAccess(w) {
		return
	}
	path, verb, ok := endpointTarget(r)
	if !ok {
		h.respondError(w, http.StatusBadRequest, "path and verb query parameters are required")
		return
	}
	d, err := h.accessService.Endpoint(path, verb)
	if err != nil {
		h.respondAccessError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, d)
}

// handleResolveEndpoint reports which endpoint would serve a concrete
// request path, without recording an access.
func (h *AdminAPIHandler) handleResolveEndpoint(w http.ResponseWriter, r *http.Request) {
	if !h.requireAccess(w) {
		return
	}
	path, verb, ok := endpointTarget(r)
	if !ok {
		h.respondError(w, http.StatusBadRequest, "path and verb query parameters are required")
		return
	}
	d, err := h.accessService.Resolve(path, verb)
	if err != nil {
		h.respondAccessError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, d)
}

// handleExportEndpoints returns the definitions as the endpoints section
// of a config file.
func (h *AdminAPIHandler) handleExportEndpoints(w http.ResponseWriter, r *http.Request) {
	if !h.requireAccess(w) {
		return
	}
	data, err := config.MarshalEndpoints(h.accessService.Endpoints())
	if err != nil {
		h.logger.Error("endpoint export failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "endpoint export failed")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Content-Disposition", `attachment; filename="endpoints.yaml"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *AdminAPIHandler) handleActivateEndpoint(w http.ResponseWriter, r *http.Request) {
	h.toggleEndpoint(w, r, true)
}

func (h *AdminAPIHandler) handleDeactivateEndpoint(w http.ResponseWriter, r *http.Request) {
	h.toggleEndpoint(w, r, false)
}

func (h *AdminAPIHandler) toggleEndpoint(w http.ResponseWriter, r *http.Request, activate bool) {
	if !h.requireAccess(w) {
		return
	}
	var req EndpointTargetRequest
	if err := h.readJSON(r, &req); err != nil || req.Path == "" || req.Verb == "" {
		h.respondError(w, http.StatusBadRequest, "path and verb are required")
		return
	}

	toggle := h.accessService.DeactivateEndpoint
	if activate {
		toggle = h.accessService.ActivateEndpoint
	}
	changed, err := toggle(r.Context(), req.Path, req.Verb)
	if err != nil {
		h.respondAccessError(w, err)
		return
	}
	d, err := h.accessService.Endpoint(req.Path, req.Verb)
	if err != nil {
		h.respondAccessError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, ToggleResponse{Endpoint: d, Changed: changed})
}

func (h *AdminAPIHandler) handleSetEndpointRateLimit(w http.ResponseWriter, r *http.Request) {
	if !h.requireAccess(w) {
		return
	}
	var req RateLimitRequest
	if err := h.readJSON(r, &req); err != nil || req.Path == "" || req.Verb == "" {
		h.respondError(w, http.StatusBadRequest, "path and verb are required")
		return
	}

	var limit *ratelimit.Limit
	if req.RateLimit != nil {
		l, err := req.RateLimit.Limit()
		if err != nil {
			h.respondAccessError(w, access.AsValidationError(err))
			return
		}
		limit = &l
	}
	if err := h.accessService.SetEndpointRateLimit(r.Context(), req.Path, req.Verb, limit); err != nil {
		h.respondAccessError(w, err)
		return
	}
	d, err := h.accessService.Endpoint(req.Path, req.Verb)
	if err != nil {
		h.respondAccessError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, d)
}
