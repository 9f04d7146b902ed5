package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/omnigate/omnigate/internal/apierror"
	"github.com/omnigate/omnigate/internal/middleware"
	"github.com/omnigate/omnigate/internal/models"
	"github.com/omnigate/omnigate/internal/services/catalog"
	"github.com/omnigate/omnigate/internal/services/keyauth"
)

type ModelHandler struct {
	auth    *keyauth.Resolver
	catalog *catalog.Catalog
	logger  *zap.Logger
}

func NewModelHandler(auth *keyauth.Resolver, cat *catalog.Catalog, logger *zap.Logger) *ModelHandler {
	return &ModelHandler{auth: auth, catalog: cat, logger: logger}
}

// modelObject mirrors the OpenAI list shape with capability extensions.
type modelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`

	SupportsStreaming bool `json:"supports_streaming"`
	ContextTokens     int  `json:"context_tokens"`
	MaxOutputTokens   int  `json:"max_output_tokens"`
	Deprecated        bool `json:"deprecated,omitempty"`
}

func toModelObject(m models.Model) modelObject {
	return modelObject{
		ID:                m.ModelID,
		Object:            "model",
		Created:           m.CreatedAt.Unix(),
		OwnedBy:           m.Provider,
		SupportsStreaming: m.SupportsStreaming,
		ContextTokens:     m.ContextTokens,
		MaxOutputTokens:   m.MaxOutputTokens,
		Deprecated:        m.IsDeprecated,
	}
}

// List serves GET /v1/models, filtered to the caller's plan allowlist.
func (h *ModelHandler) List(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	identity, err := h.auth.Resolve(r.Context(), r.Header.Get("Authorization"), middleware.ClientIP(r))
	if err != nil {
		apierror.Write(w, requestID, apierror.InvalidAPIKey("Invalid API key"))
		return
	}

	all, err := h.catalog.List(r.Context())
	if err != nil {
		h.logger.Error("model list failed", zap.Error(err))
		apierror.Write(w, requestID, apierror.Internal())
		return
	}

	visible := make([]modelObject, 0, len(all))
	for _, m := range all {
		if identity.Policy.ModelAllowed(m.ModelID) {
			visible = append(visible, toModelObject(m))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"object": "list",
		"data":   visible,
	})
}

// Get serves GET /v1/models/{model}.
func (h *ModelHandler) Get(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	modelID := chi.URLParam(r, "model")

	identity, err := h.auth.Resolve(r.Context(), r.Header.Get("Authorization"), middleware.ClientIP(r))
	if err != nil {
		apierror.Write(w, requestID, apierror.InvalidAPIKey("Invalid API key"))
		return
	}

	m, err := h.catalog.Lookup(r.Context(), modelID)
	if err != nil || !m.IsActive || !identity.Policy.ModelAllowed(modelID) {
		// Hidden and missing models answer identically.
		apierror.Write(w, requestID, apierror.NotFound("Model not found: "+modelID).WithParam("model"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toModelObject(*m))
}
