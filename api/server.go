// Package api serves the rating ledger over HTTP next to the coprocessor's
// relayer routes and node RPC.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"ratevault-backend/failure"
	"ratevault-backend/fhe"
	"ratevault-backend/models"
	"ratevault-backend/service"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

var errBadRequest = failure.New(failure.Validation, "bad request")

// Server exposes a LocalLedger, the relayer protocol of its coprocessor and
// an optional JSON-RPC handler.
type Server struct {
	ledger   *service.LocalLedger
	executor *fhe.Executor
	rpc      http.Handler
	metrics  *service.MetricsCollector
	logger   *zap.Logger
}

type ServerOption func(*Server)

// WithRPC mounts h at /rpc.
func WithRPC(h http.Handler) ServerOption {
	return func(s *Server) { s.rpc = h }
}

func WithMetrics(mc *service.MetricsCollector) ServerOption {
	return func(s *Server) { s.metrics = mc }
}

func WithLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

func NewServer(ledger *service.LocalLedger, executor *fhe.Executor, opts ...ServerOption) *Server {
	s := &Server{
		ledger:   ledger,
		executor: executor,
		metrics:  service.NewMetricsCollector(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Route("/api", func(api chi.Router) {
		api.Post("/tx", s.handleSubmitTx)
		api.Get("/contract", s.handleGetContract)
		api.Get("/metrics", s.handleGetMetrics)

		api.Get("/ratings", s.handleGetRatings)
		api.Get("/ratings/count", s.handleGetRatingCount)
		api.Route("/ratings/{id}", func(rating chi.Router) {
			rating.Get("/", s.handleGetRating)
			rating.Get("/aggregate", s.handleGetAggregate)
			rating.Get("/submissions/{address}", s.handleGetSubmission)
			rating.Get("/rated/{address}", s.handleHasRated)
		})
		api.Get("/accounts/{address}/created", s.handleGetCreated)
		api.Get("/accounts/{address}/rated", s.handleGetRated)

		api.Get("/ledger", s.handleGetLedger)
		api.Get("/ledger/validate", s.handleValidateLedger)
		api.Get("/ledger/blocks/{index}", s.handleGetBlock)
	})

	r.Mount("/v1", fhe.NewRelayerHandler(s.executor, s.logger))
	if s.rpc != nil {
		r.Handle("/rpc", s.rpc)
	}
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// ErrorResponse is the body of every failed ledger call.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := failure.KindOf(err)
	status := fhe.StatusForKind(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: kind.String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	var tx models.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid transaction body: %v", errBadRequest, err))
		return
	}
	done := s.metrics.Start("tx_" + string(tx.Kind))
	receipt, err := s.ledger.Submit(r.Context(), &tx)
	done(err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// ContractResponse tells clients which contract and network they talk to.
type ContractResponse struct {
	Address  common.Address `json:"address"`
	ChainID  uint64         `json:"chain_id"`
	Metadata fhe.Metadata   `json:"metadata"`
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	meta := s.executor.Metadata()
	writeJSON(w, http.StatusOK, ContractResponse{
		Address:  s.ledger.Registry().Address(),
		ChainID:  meta.ChainID,
		Metadata: meta,
	})
}

func (s *Server) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.GetMetrics())
}

func (s *Server) handleGetRatings(w http.ResponseWriter, r *http.Request) {
	offset, limit, err := pageParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ratings, err := s.ledger.GetRatings(r.Context(), uint64(offset), uint64(limit))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ratings)
}

type CountResponse struct {
	Count uint64 `json:"count"`
}

func (s *Server) handleGetRatingCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.ledger.RatingCount(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

func (s *Server) handleGetRating(w http.ResponseWriter, r *http.Request) {
	id, err := ratingID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	c, err := s.ledger.GetRating(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type HandlesResponse struct {
	Handles []fhe.Handle `json:"handles"`
}

func (s *Server) handleGetAggregate(w http.ResponseWriter, r *http.Request) {
	id, err := ratingID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	handles, err := s.ledger.GetAggregatedScores(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HandlesResponse{Handles: handles})
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	id, err := ratingID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	account, err := addressParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	handles, err := s.ledger.GetMyRating(r.Context(), id, account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HandlesResponse{Handles: handles})
}

type RatedResponse struct {
	Rated bool `json:"rated"`
}

func (s *Server) handleHasRated(w http.ResponseWriter, r *http.Request) {
	id, err := ratingID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	account, err := addressParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rated, err := s.ledger.HasRated(r.Context(), id, account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RatedResponse{Rated: rated})
}

type IDsResponse struct {
	IDs []uint64 `json:"ids"`
}

func (s *Server) handleGetCreated(w http.ResponseWriter, r *http.Request) {
	account, err := addressParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ids, err := s.ledger.GetMyCreatedRatings(r.Context(), account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, IDsResponse{IDs: ids})
}

func (s *Server) handleGetRated(w http.ResponseWriter, r *http.Request) {
	account, err := addressParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ids, err := s.ledger.GetMyRatedRatings(r.Context(), account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, IDsResponse{IDs: ids})
}

func (s *Server) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	offset, limit, err := pageParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	chain := s.ledger.Registry().Chain()
	writeJSON(w, http.StatusOK, convertToChainInfo(chain.Len(), chain.Validate(), chain.Blocks(offset, limit)))
}

type ValidationResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleValidateLedger(w http.ResponseWriter, r *http.Request) {
	resp := ValidationResponse{Valid: true}
	if err := s.ledger.Registry().Chain().Validate(); err != nil {
		resp = ValidationResponse{Error: err.Error()}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 64)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid block index", errBadRequest))
		return
	}
	chain := s.ledger.Registry().Chain()
	block, err := chain.Block(index)
	if err != nil {
		s.writeError(w, err)
		return
	}
	tx, err := chain.Transaction(index)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BlockResponse{Block: block, Transaction: tx})
}

func ratingID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid rating id %q", errBadRequest, chi.URLParam(r, "id"))
	}
	return id, nil
}

func addressParam(r *http.Request) (common.Address, error) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: invalid address %q", errBadRequest, raw)
	}
	return common.HexToAddress(raw), nil
}

func pageParams(r *http.Request) (offset, limit int, err error) {
	q := r.URL.Query()
	limit = defaultPageSize
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("%w: invalid offset %q", errBadRequest, v)
		}
	}
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, fmt.Errorf("%w: invalid limit %q", errBadRequest, v)
		}
	}
	return offset, min(limit, maxPageSize), nil
}
