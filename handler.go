package crudkit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// Handler exposes the resource operations over HTTP. Routes follow the
// conventional shape:
//
//	GET    /{slug}              index
//	POST   /{slug}              store
//	GET    /{slug}/trashed      trashed (soft-deleting resources)
//	GET    /{slug}/{id}         show
//	PATCH  /{slug}/{id}         update
//	DELETE /{slug}/{id}         destroy
//	POST   /{slug}/{id}/restore restore (soft-deleting resources)
//	DELETE /{slug}/{id}/force   forceDelete (soft-deleting resources)
//	POST   /batch               nested batch (when a Coordinator is set)
//
// The handler does not authenticate; it reads the caller and tenant through
// configurable extractors (by default from the request context) and leaves
// authorization to the service.
type Handler struct {
	svc          *ResourceService
	coordinator  *Coordinator
	getCaller    func(*http.Request) string
	getTenant    func(*http.Request) string
	errorHandler func(http.ResponseWriter, *http.Request, error)
}

// HandlerOption configures the Handler.
type HandlerOption func(*Handler)

// WithCoordinator enables the POST /batch endpoint.
func WithCoordinator(c *Coordinator) HandlerOption {
	return func(h *Handler) { h.coordinator = c }
}

// WithCallerExtractor sets a custom function to extract the caller identity
// from a request.
func WithCallerExtractor(fn func(*http.Request) string) HandlerOption {
	return func(h *Handler) { h.getCaller = fn }
}

// WithTenantExtractor sets a custom function to extract the tenant from a
// request.
func WithTenantExtractor(fn func(*http.Request) string) HandlerOption {
	return func(h *Handler) { h.getTenant = fn }
}

// WithErrorHandler sets a custom error renderer.
func WithErrorHandler(fn func(http.ResponseWriter, *http.Request, error)) HandlerOption {
	return func(h *Handler) { h.errorHandler = fn }
}

// NewHandler creates a Handler over a wired ResourceService.
//
// Example:
//
//	handler := crudkit.NewHandler(svc,
//	    crudkit.WithCoordinator(coordinator),
//	)
//	mux := http.NewServeMux()
//	handler.Mount(mux, "/api")
func NewHandler(svc *ResourceService, opts ...HandlerOption) *Handler {
	h := &Handler{
		svc:          svc,
		getCaller:    func(r *http.Request) string { return CallerFrom(r.Context()) },
		getTenant:    func(r *http.Request) string { return TenantFrom(r.Context()) },
		errorHandler: defaultErrorHandler,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Mount registers the resource routes on a mux under a prefix ("" for the
// root).
func (h *Handler) Mount(mux *http.ServeMux, prefix string) {
	prefix = strings.TrimSuffix(prefix, "/")

	mux.HandleFunc("GET "+prefix+"/{slug}", h.wrap(h.index))
	mux.HandleFunc("POST "+prefix+"/{slug}", h.wrap(h.store))
	mux.HandleFunc("GET "+prefix+"/{slug}/trashed", h.wrap(h.trashed))
	mux.HandleFunc("GET "+prefix+"/{slug}/{id}", h.wrap(h.show))
	mux.HandleFunc("PATCH "+prefix+"/{slug}/{id}", h.wrap(h.update))
	mux.HandleFunc("PUT "+prefix+"/{slug}/{id}", h.wrap(h.update))
	mux.HandleFunc("DELETE "+prefix+"/{slug}/{id}", h.wrap(h.destroy))
	mux.HandleFunc("POST "+prefix+"/{slug}/{id}/restore", h.wrap(h.restore))
	mux.HandleFunc("DELETE "+prefix+"/{slug}/{id}/force", h.wrap(h.forceDelete))

	if h.coordinator != nil {
		mux.HandleFunc("POST "+prefix+"/batch", h.wrap(h.batch))
	}
}

// InjectRequestMetadata is middleware that places the caller, tenant and
// audit metadata into the request context so the service and audit hook can
// read them.
func (h *Handler) InjectRequestMetadata() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			ip := r.Header.Get("X-Forwarded-For")
			if ip == "" {
				ip = r.Header.Get("X-Real-IP")
			}
			if ip == "" {
				ip = r.RemoteAddr
			}
			ctx = WithIPAddress(ctx, ip)
			ctx = WithUserAgent(ctx, r.UserAgent())

			if requestID := r.Header.Get("X-Request-ID"); requestID != "" {
				ctx = WithRequestID(ctx, requestID)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// wrap places the extracted caller and tenant into the request context
// before the operation runs.
func (h *Handler) wrap(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if caller := h.getCaller(r); caller != "" {
			ctx = WithCaller(ctx, caller)
		}
		if tenant := h.getTenant(r); tenant != "" {
			ctx = WithTenant(ctx, tenant)
		}
		fn(w, r.WithContext(ctx))
	}
}

// ============================================================================
// OPERATION ENTRY POINTS
// ============================================================================

func (h *Handler) index(w http.ResponseWriter, r *http.Request) {
	rows, page, err := h.svc.List(r.Context(), r.PathValue("slug"), listOptionsFromRequest(r))
	if err != nil {
		h.errorHandler(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope{Data: rows, Meta: page})
}

func (h *Handler) trashed(w http.ResponseWriter, r *http.Request) {
	rows, page, err := h.svc.Trashed(r.Context(), r.PathValue("slug"), listOptionsFromRequest(r))
	if err != nil {
		h.errorHandler(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope{Data: rows, Meta: page})
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	row, err := h.svc.Show(r.Context(), r.PathValue("slug"), r.PathValue("id"))
	if err != nil {
		h.errorHandler(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entityEnvelope{Data: row})
}

func (h *Handler) store(w http.ResponseWriter, r *http.Request) {
	input, err := decodeBody(r)
	if err != nil {
		h.errorHandler(w, r, err)
		return
	}

	row, err := h.svc.Store(r.Context(), r.PathValue("slug"), input)
	if err != nil {
		h.errorHandler(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entityEnvelope{Data: row})
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	input, err := decodeBody(r)
	if err != nil {
		h.errorHandler(w, r, err)
		return
	}

	row, err := h.svc.Update(r.Context(), r.PathValue("slug"), r.PathValue("id"), input)
	if err != nil {
		h.errorHandler(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entityEnvelope{Data: row})
}

func (h *Handler) destroy(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Destroy(r.Context(), r.PathValue("slug"), r.PathValue("id")); err != nil {
		h.errorHandler(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) restore(w http.ResponseWriter, r *http.Request) {
	row, err := h.svc.Restore(r.Context(), r.PathValue("slug"), r.PathValue("id"))
	if err != nil {
		h.errorHandler(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entityEnvelope{Data: row})
}

func (h *Handler) forceDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ForceDelete(r.Context(), r.PathValue("slug"), r.PathValue("id")); err != nil {
		h.errorHandler(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) batch(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Operations []NestedOperation `json:"operations"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.errorHandler(w, r, NewError(ErrStructural, "request body must be valid JSON"))
		return
	}

	results, err := h.coordinator.Execute(r.Context(), payload.Operations)
	if err != nil {
		h.errorHandler(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batchEnvelope{Data: results})
}

// ============================================================================
// REQUEST/RESPONSE PLUMBING
// ============================================================================

type listEnvelope struct {
	Data []Row    `json:"data"`
	Meta PageInfo `json:"meta"`
}

type entityEnvelope struct {
	Data Row `json:"data"`
}

type batchEnvelope struct {
	Data []NestedResult `json:"data"`
}

type errorEnvelope struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// listOptionsFromRequest parses the conventional list parameters:
// filter[field]=value, sort=-a,b, search=, include=a,b, page=, per_page=.
func listOptionsFromRequest(r *http.Request) ListOptions {
	opts := NewListOptions()
	query := r.URL.Query()

	for key, values := range query {
		if !strings.HasPrefix(key, "filter[") || !strings.HasSuffix(key, "]") || len(values) == 0 {
			continue
		}
		field := key[len("filter[") : len(key)-1]
		opts = opts.WithFilter(field, values[0])
	}

	if sortParam := query.Get("sort"); sortParam != "" {
		for _, term := range strings.Split(sortParam, ",") {
			term = strings.TrimSpace(term)
			if term == "" {
				continue
			}
			if strings.HasPrefix(term, "-") {
				opts = opts.WithSortDesc(term[1:])
			} else {
				opts = opts.WithSort(term)
			}
		}
	}

	if search := query.Get("search"); search != "" {
		opts = opts.WithSearch(search)
	}

	if include := query.Get("include"); include != "" {
		for _, relation := range strings.Split(include, ",") {
			if relation = strings.TrimSpace(relation); relation != "" {
				opts = opts.WithInclude(relation)
			}
		}
	}

	if page, err := strconv.Atoi(query.Get("page")); err == nil {
		opts = opts.WithPage(page)
	}
	if perPage, err := strconv.Atoi(query.Get("per_page")); err == nil {
		opts = opts.WithPerPage(perPage)
	}

	return opts
}

func decodeBody(r *http.Request) (Row, error) {
	var input Row
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		return nil, NewError(ErrValidation, "request body must be a JSON object")
	}
	return input, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// defaultErrorHandler maps engine errors onto HTTP statuses. Unknown
// resources and scope-hidden rows both read as 404 so existence is never
// confirmed across tenants.
func defaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case IsUnknownResource(err), IsNotFound(err):
		status = http.StatusNotFound
	case IsUnauthorized(err):
		status = http.StatusForbidden
	case IsValidation(err), IsStructural(err):
		status = http.StatusUnprocessableEntity
	case IsTransactionFailure(err):
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, errorEnvelope{
		Error:  err.Error(),
		Fields: FieldErrors(err),
	})
}
