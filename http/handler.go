package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stephnangue/keygate/credential"
	"github.com/stephnangue/keygate/logger"
)

// OwnerHeader carries the caller identity established by the fronting
// auth layer.
const OwnerHeader = "X-Keygate-Owner"

// HandlerProperties contains configuration for the HTTP handler
type HandlerProperties struct {
	Service *credential.Service
	Logger  logger.Logger
}

type handlers struct {
	service *credential.Service
	logger  logger.Logger
}

// Handler creates and returns the main HTTP handler.
func Handler(props *HandlerProperties) http.Handler {
	h := &handlers{
		service: props.Service,
		logger:  props.Logger,
	}

	r := chi.NewRouter()

	r.Get("/v1/transport/public-key", h.handlePublicKey)

	r.Route("/v1/credentials/{kind}", func(r chi.Router) {
		r.Post("/", h.withOwnerAndKind(h.handleCreate))
		r.Get("/", h.withOwnerAndKind(h.handleList))
		r.Get("/{id}", h.withOwner(h.handleGet))
		r.Patch("/{id}", h.withOwner(h.handleUpdate))
		r.Delete("/{id}", h.withOwner(h.handleDelete))
		r.Post("/{id}/secret", h.withOwner(h.handleRotateSecret))
		r.Post("/{id}/test", h.withOwner(h.handleTest))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "unsupported path")
	})

	return r
}

type ownerHandler func(w http.ResponseWriter, r *http.Request, ownerID string)

type ownerKindHandler func(w http.ResponseWriter, r *http.Request, ownerID string, kind credential.Kind)

// withOwner requires the caller identity header. The kind segment is
// validated but only routes that act on a whole kind consume it.
func (h *handlers) withOwner(next ownerHandler) http.HandlerFunc {
	return h.withOwnerAndKind(func(w http.ResponseWriter, r *http.Request, ownerID string, _ credential.Kind) {
		next(w, r, ownerID)
	})
}

func (h *handlers) withOwnerAndKind(next ownerKindHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if ownerID == "" {
			respondError(w, http.StatusBadRequest, "missing "+OwnerHeader+" header")
			return
		}
		kind, err := credential.ParseKind(chi.URLParam(r, "kind"))
		if err != nil {
			respondCodedError(w, err)
			return
		}
		next(w, r, ownerID, kind)
	}
}

func (h *handlers) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	pem, err := h.service.TransportPublicKey()
	if err != nil {
		h.logger.Error("failed to serialize transport public key", logger.Err(err))
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	respondOk(w, map[string]string{
		"public_key": pem,
		"algorithm":  "RSA-OAEP-SHA256",
	})
}

type createRequest struct {
	DisplayName     string `json:"display_name"`
	ProviderTag     string `json:"provider_tag"`
	Endpoint        string `json:"endpoint"`
	Database        string `json:"database"`
	EncryptedSecret string `json:"encrypted_secret"`
}

func (h *handlers) handleCreate(w http.ResponseWriter, r *http.Request, ownerID string, kind credential.Kind) {
	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	record, err := h.service.Create(r.Context(), &credential.CreateInput{
		OwnerID:         ownerID,
		Kind:            kind,
		DisplayName:     req.DisplayName,
		ProviderTag:     req.ProviderTag,
		Endpoint:        req.Endpoint,
		Database:        req.Database,
		EncryptedSecret: req.EncryptedSecret,
	})
	if err != nil {
		respondCodedError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, record)
}

func (h *handlers) handleList(w http.ResponseWriter, r *http.Request, ownerID string, kind credential.Kind) {
	filter := credential.ListFilter{}

	query := r.URL.Query()
	if raw := query.Get("status"); raw != "" {
		status, err := credential.ParseStatus(raw)
		if err != nil {
			respondCodedError(w, err)
			return
		}
		filter.Status = &status
	}
	filter.Page = atoiDefault(query.Get("page"), 1)
	filter.Size = atoiDefault(query.Get("size"), credential.DefaultPageSize)

	page, err := h.service.List(r.Context(), ownerID, kind, filter)
	if err != nil {
		respondCodedError(w, err)
		return
	}
	respondOk(w, page)
}

func (h *handlers) handleGet(w http.ResponseWriter, r *http.Request, ownerID string) {
	record, err := h.service.Get(r.Context(), ownerID, chi.URLParam(r, "id"))
	if err != nil {
		respondCodedError(w, err)
		return
	}
	respondOk(w, record)
}

type updateRequest struct {
	DisplayName *string `json:"display_name"`
	Status      *string `json:"status"`
}

func (h *handlers) handleUpdate(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req updateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	record, err := h.service.Update(r.Context(), ownerID, chi.URLParam(r, "id"), &credential.UpdateInput{
		DisplayName: req.DisplayName,
		Status:      req.Status,
	})
	if err != nil {
		respondCodedError(w, err)
		return
	}
	respondOk(w, record)
}

type rotateRequest struct {
	EncryptedSecret string `json:"encrypted_secret"`
}

func (h *handlers) handleRotateSecret(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req rotateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	record, err := h.service.RotateSecret(r.Context(), ownerID, chi.URLParam(r, "id"), req.EncryptedSecret)
	if err != nil {
		respondCodedError(w, err)
		return
	}
	respondOk(w, record)
}

type testRequest struct {
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

func (h *handlers) handleTest(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req testRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	timeout := time.Duration(req.TimeoutSeconds * float64(time.Second))
	outcome, err := h.service.Test(r.Context(), ownerID, chi.URLParam(r, "id"), timeout)
	if err != nil {
		respondCodedError(w, err)
		return
	}
	respondOk(w, outcome)
}

func (h *handlers) handleDelete(w http.ResponseWriter, r *http.Request, ownerID string) {
	if err := h.service.Delete(r.Context(), ownerID, chi.URLParam(r, "id")); err != nil {
		respondCodedError(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}
