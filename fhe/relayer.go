package fhe

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ratevault-backend/failure"
)

// RelayerEnvelope wraps every successful relayer response body.
type RelayerEnvelope[T any] struct {
	Response T `json:"response"`
}

// RelayerError is the body of a failed relayer call.
type RelayerError struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
	Code    int    `json:"code"`
}

// NewRelayerHandler serves the relayer protocol for executor:
//
//	GET  /keyurl
//	POST /input-proof
//	POST /user-decrypt
func NewRelayerHandler(executor *Executor, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &relayerHandler{executor: executor, logger: logger}
	r := chi.NewRouter()
	r.Get("/keyurl", h.handleKeyURL)
	r.Post("/input-proof", h.handleInputProof)
	r.Post("/user-decrypt", h.handleUserDecrypt)
	return r
}

type relayerHandler struct {
	executor *Executor
	logger   *zap.Logger
}

func (h *relayerHandler) handleKeyURL(w http.ResponseWriter, r *http.Request) {
	key, err := h.executor.NetworkKey()
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeRelayerJSON(w, http.StatusOK, RelayerEnvelope[*NetworkKey]{Response: key})
}

func (h *relayerHandler) handleInputProof(w http.ResponseWriter, r *http.Request) {
	var req InputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, failure.Wrap("decode input-proof request", &failure.Error{Kind: failure.Validation, Err: err}))
		return
	}
	resp, err := h.executor.Ingest(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeRelayerJSON(w, http.StatusOK, RelayerEnvelope[*InputResponse]{Response: resp})
}

func (h *relayerHandler) handleUserDecrypt(w http.ResponseWriter, r *http.Request) {
	var req UserDecryptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, failure.Wrap("decode user-decrypt request", &failure.Error{Kind: failure.Validation, Err: err}))
		return
	}
	resp, err := h.executor.UserDecrypt(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeRelayerJSON(w, http.StatusOK, RelayerEnvelope[*UserDecryptResponse]{Response: resp})
}

func (h *relayerHandler) writeError(w http.ResponseWriter, err error) {
	kind := failure.KindOf(err)
	status := StatusForKind(kind)
	if status >= http.StatusInternalServerError {
		h.logger.Error("relayer request failed", zap.Error(err))
	}
	writeRelayerJSON(w, status, RelayerError{
		Message: err.Error(),
		Kind:    kind.String(),
		Code:    (&failure.Error{Kind: kind}).ErrorCode(),
	})
}

// StatusForKind maps an error kind to an HTTP status.
func StatusForKind(kind failure.Kind) int {
	switch kind {
	case failure.Validation:
		return http.StatusBadRequest
	case failure.Authorization:
		return http.StatusForbidden
	case failure.Cryptographic:
		return http.StatusUnprocessableEntity
	case failure.NotFound:
		return http.StatusNotFound
	case failure.Infrastructure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeRelayerJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
