package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/copyleftdev/ikrfit/internal/boundaries"
	"github.com/copyleftdev/ikrfit/internal/cells"
	"github.com/copyleftdev/ikrfit/internal/config"
	"github.com/copyleftdev/ikrfit/internal/errors"
	"github.com/copyleftdev/ikrfit/internal/logging"
	"github.com/copyleftdev/ikrfit/internal/metrics"
	"github.com/copyleftdev/ikrfit/internal/model"
	"github.com/copyleftdev/ikrfit/internal/results"
	"github.com/copyleftdev/ikrfit/internal/transform"
)

// Logger defines the logging interface used by the server
// This allows us to be flexible with our logging implementation
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// Server serves stored fitting results, read only, over HTTP and JSON-RPC.
type Server struct {
	cfg     *config.Config
	logger  Logger
	store   results.Store
	cells   *cells.Table
	metrics *metrics.Metrics
}

// NewServer creates a new server instance. A nil cell table uses the
// embedded one; nil metrics serve the default Prometheus registry.
func NewServer(cfg *config.Config, logger Logger, store results.Store, table *cells.Table, m *metrics.Metrics) *Server {
	if table == nil {
		table = cells.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		cells:   table,
		metrics: m,
	}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/results", s.handleConfigs)
		r.Get("/results/{config}/{cell}", s.handleResults)
		r.Get("/results/{config}/{cell}/best", s.handleBest)
		r.Post("/boundaries/check", s.handleCheck)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// Record is the JSON form of a stored result. Score is null when it is
// not finite.
type Record struct {
	RunID       string    `json:"run_id"`
	Config      string    `json:"config"`
	Cell        int       `json:"cell"`
	Slot        int       `json:"slot"`
	Score       *float64  `json:"score"`
	Seconds     float64   `json:"seconds"`
	Evaluations int       `json:"evaluations"`
	Parameters  []float64 `json:"parameters"`
}

func newRecord(rec results.Record) Record {
	out := Record{
		RunID:       rec.RunID,
		Config:      rec.Config,
		Cell:        rec.Cell,
		Slot:        rec.Slot,
		Seconds:     rec.Time.Seconds(),
		Evaluations: rec.Evaluations,
		Parameters:  rec.Parameters,
	}
	if !math.IsInf(rec.Score, 0) && !math.IsNaN(rec.Score) {
		score := rec.Score
		out.Score = &score
	}
	return out
}

// ResultsResponse lists the results of a configuration on a cell, best
// first.
type ResultsResponse struct {
	Config  string          `json:"config"`
	Cell    int             `json:"cell"`
	Summary results.Summary `json:"summary"`
	Results []Record        `json:"results"`
}

// CheckRequest asks whether a search-space point lies in the feasible
// region of a cell. Eight parameters check the kinetics only.
type CheckRequest struct {
	Cell       int       `json:"cell"`
	Search     string    `json:"search"`
	Parameters []float64 `json:"parameters"`
}

// CheckResponse answers a CheckRequest.
type CheckResponse struct {
	Valid bool `json:"valid"`
	// Model is the point in model space.
	Model []float64 `json:"model"`
}

func badRequest(format string, args ...interface{}) error {
	return errors.Errorf(errors.KindUsage, format, args...)
}

func (s *Server) results(ctx context.Context, config string, cell int) (*ResultsResponse, error) {
	records, err := s.store.LoadAll(ctx, config, cell)
	if err != nil {
		return nil, err
	}
	resp := &ResultsResponse{
		Config:  config,
		Cell:    cell,
		Summary: results.Summarize(finiteOnly(records)),
		Results: make([]Record, len(records)),
	}
	for i, rec := range records {
		resp.Results[i] = newRecord(rec)
	}
	return resp, nil
}

func finiteOnly(records []results.Record) []results.Record {
	out := make([]results.Record, 0, len(records))
	for _, rec := range records {
		if !math.IsInf(rec.Score, 0) {
			out = append(out, rec)
		}
	}
	return out
}

func (s *Server) best(ctx context.Context, config string, cell int) (Record, error) {
	rec, err := s.store.Best(ctx, config, cell)
	if err != nil {
		return Record{}, err
	}
	return newRecord(rec), nil
}

func (s *Server) check(req CheckRequest) (*CheckResponse, error) {
	cell, err := s.cells.Get(req.Cell)
	if err != nil {
		return nil, badRequest("%v", err)
	}
	search, err := transform.Parse(req.Search)
	if err != nil {
		return nil, badRequest("%v", err)
	}
	var lower float64
	switch len(req.Parameters) {
	case model.NKinetic:
	case model.NParameters:
		lower = cell.LowerConductance
	default:
		return nil, badRequest("expected %d or %d parameters, got %d", model.NKinetic, model.NParameters, len(req.Parameters))
	}
	b, err := boundaries.New(boundaries.Config{Search: search, Sample: search, LowerConductance: lower})
	if err != nil {
		return nil, err
	}
	return &CheckResponse{
		Valid: b.Check(req.Parameters),
		Model: search.Detransform(req.Parameters),
	}, nil
}

// statusOf maps an error to an HTTP status.
func statusOf(err error) int {
	switch {
	case stderrors.Is(err, results.ErrNoResults):
		return http.StatusNotFound
	case errors.IsKind(err, errors.KindUsage):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode response", map[string]interface{}{"error": err.Error()})
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request error", map[string]interface{}{"error": err.Error()})
	}
	s.writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}

func cellParam(r *http.Request) (int, error) {
	cell, err := strconv.Atoi(chi.URLParam(r, "cell"))
	if err != nil {
		return 0, badRequest("invalid cell %q", chi.URLParam(r, "cell"))
	}
	return cell, nil
}

// handleConfigs handles GET /api/v1/results
func (s *Server) handleConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.store.Configs(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if configs == nil {
		configs = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"configs": configs})
}

// handleResults handles GET /api/v1/results/{config}/{cell}
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	cell, err := cellParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.results(r.Context(), chi.URLParam(r, "config"), cell)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleBest handles GET /api/v1/results/{config}/{cell}/best
func (s *Server) handleBest(w http.ResponseWriter, r *http.Request) {
	cell, err := cellParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rec, err := s.best(r.Context(), chi.URLParam(r, "config"), cell)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// handleCheck handles POST /api/v1/boundaries/check
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, badRequest("invalid request body: %v", err))
		return
	}
	resp, err := s.check(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      interface{}     `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, -32700, "Parse error", nil)
		return
	}

	// Validate JSON-RPC 2.0 request
	if request.JSONRPC != "2.0" {
		s.respondWithError(w, -32600, "Invalid Request", request.ID)
		return
	}

	var (
		result interface{}
		err    error
	)
	switch request.Method {
	case "results.configs":
		result, err = s.store.Configs(r.Context())
	case "results.list":
		var p struct {
			Config string `json:"config"`
			Cell   int    `json:"cell"`
		}
		if err = decodeParams(request.Params, &p); err == nil {
			result, err = s.results(r.Context(), p.Config, p.Cell)
		}
	case "results.best":
		var p struct {
			Config string `json:"config"`
			Cell   int    `json:"cell"`
		}
		if err = decodeParams(request.Params, &p); err == nil {
			result, err = s.best(r.Context(), p.Config, p.Cell)
		}
	case "boundaries.check":
		var p CheckRequest
		if err = decodeParams(request.Params, &p); err == nil {
			result, err = s.check(p)
		}
	default:
		s.respondWithError(w, -32601, "Method not found", request.ID)
		return
	}

	if err != nil {
		code := -32000
		if statusOf(err) == http.StatusBadRequest {
			code = -32602
		}
		s.respondWithError(w, code, err.Error(), request.ID)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	})
}

// decodeParams accepts params as an object or as a one-element array
// holding the object.
func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return badRequest("missing required parameters")
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) == 0 {
			return badRequest("missing required parameters")
		}
		raw = list[0]
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return badRequest("invalid params: %v", err)
	}
	return nil
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Warn("RPC error", map[string]interface{}{
		"code":    code,
		"message": message,
	})

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	})
}

// Close releases the result store.
func (s *Server) Close() error {
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close result store: %w", err)
	}
	return nil
}
