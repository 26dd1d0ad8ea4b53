package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/onnwee/neuralrank/internal/middleware"
	"github.com/onnwee/neuralrank/internal/notify"
	"github.com/onnwee/neuralrank/internal/ranker"
	"github.com/onnwee/neuralrank/internal/ranking"
	"github.com/onnwee/neuralrank/internal/state"
	"github.com/onnwee/neuralrank/internal/training"
)

// Request body limits.
const (
	MaxRequestBytes = 1 << 20
	MaxStateBytes   = 32 << 20
	MaxCandidates   = 1000
)

// RankerHandlers serves scoring, training and state endpoints for the rankers
// of one registry.
type RankerHandlers struct {
	registry *ranker.Registry
	notices  *notify.Recorder
}

// NewRankerHandlers creates ranker handlers. notices may be nil, in which
// case the notices endpoint always returns an empty list.
func NewRankerHandlers(registry *ranker.Registry, notices *notify.Recorder) *RankerHandlers {
	return &RankerHandlers{registry: registry, notices: notices}
}

// CandidateInput is one candidate of a score or select request. Either
// Features, in schema order, or named input must be set. Named input is raw
// Signals normalized by the server, Values keyed by feature name, or both;
// Values win over features derived from Signals.
type CandidateInput struct {
	ID       string             `json:"id"`
	Features []float64          `json:"features,omitempty"`
	Values   map[string]float64 `json:"values,omitempty"`
	Signals  *ranking.Signals   `json:"signals,omitempty"`
}

// ScoreRequest is the body of POST /v1/rankers/{name}/score.
type ScoreRequest struct {
	Features   [][]float64      `json:"features,omitempty"`
	Candidates []CandidateInput `json:"candidates,omitempty"`
	// Query is compared against Signals.Name by trigram similarity.
	Query string `json:"query,omitempty"`
	// Scale multiplies every score, for example 100 for display. Zero means 1.
	Scale float64 `json:"scale,omitempty"`
}

// ScoreResponse lists scores in request order.
type ScoreResponse struct {
	Ranker string    `json:"ranker"`
	Scores []float64 `json:"scores"`
	IDs    []string  `json:"ids,omitempty"`
}

// SelectRequest is the body of POST /v1/rankers/{name}/select.
type SelectRequest struct {
	Candidates []CandidateInput `json:"candidates"`
	Query      string           `json:"query,omitempty"`
	// SelectedRank is the 1-based position of the chosen candidate.
	SelectedRank int `json:"selected_rank"`
}

// SelectResponse acknowledges a recorded selection.
type SelectResponse struct {
	Ranker     string `json:"ranker"`
	HistoryLen int    `json:"history_len"`
	Training   bool   `json:"training"`
}

// RankerInfo describes one registered ranker.
type RankerInfo struct {
	Name         string      `json:"name"`
	Architecture []int       `json:"architecture"`
	Optimizer    string      `json:"optimizer"`
	Features     []string    `json:"features,omitempty"`
	HistoryLen   int         `json:"history_len"`
	Training     bool        `json:"training"`
	Dirty        bool        `json:"dirty"`
	Stats        state.Stats `json:"stats"`
}

func describe(r *ranker.Ranker) RankerInfo {
	cfg := r.Config()
	info := RankerInfo{
		Name:         r.Name(),
		Architecture: cfg.Architecture,
		Optimizer:    cfg.Optimizer,
		HistoryLen:   r.HistoryLen(),
		Training:     r.Training(),
		Dirty:        r.Dirty(),
		Stats:        r.Stats(),
	}
	if s := r.Schema(); s != nil {
		info.Features = s.Names()
	}
	return info
}

// lookup resolves the {name} wildcard or writes a 404.
func (h *RankerHandlers) lookup(w http.ResponseWriter, r *http.Request) (*ranker.Ranker, bool) {
	name := r.PathValue("name")
	rk, ok := h.registry.Get(name)
	if !ok {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeRankerNotFound, fmt.Sprintf("ranker %q not found", name))
		return nil, false
	}
	return rk, true
}

// vectors converts candidates to feature vectors. Named input is mapped
// through the ranker's schema; missing names take the schema default.
func vectors(rk *ranker.Ranker, in []CandidateInput, query string) ([][]float64, error) {
	signals := make([]*ranking.Signals, len(in))
	for i, c := range in {
		signals[i] = c.Signals
	}
	extractor := ranking.NewExtractor(query, signals)

	out := make([][]float64, len(in))
	for i, c := range in {
		named := c.Values != nil || c.Signals != nil
		switch {
		case c.Features != nil && named:
			return nil, fmt.Errorf("candidate %d: set either features or named values, not both", i)
		case c.Features != nil:
			out[i] = c.Features
		case named:
			schema := rk.Schema()
			if schema == nil {
				return nil, fmt.Errorf("candidate %d: ranker %q has no feature schema for named values", i, rk.Name())
			}
			for name := range c.Values {
				if _, ok := schema.Index(name); !ok {
					return nil, fmt.Errorf("candidate %d: unknown feature %q", i, name)
				}
			}
			values := extractor.Values(c.Signals)
			for name, v := range c.Values {
				values[name] = v
			}
			out[i] = schema.Vector(values)
		default:
			return nil, fmt.Errorf("candidate %d: features are required", i)
		}
	}
	return out, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBytes))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, r.Context(), http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "Request body too large")
			return false
		}
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}

// List handles GET /v1/rankers.
func (h *RankerHandlers) List(w http.ResponseWriter, r *http.Request) {
	all := h.registry.All()
	out := make([]RankerInfo, len(all))
	for i, rk := range all {
		out[i] = describe(rk)
	}
	writeJSON(w, r, http.StatusOK, map[string][]RankerInfo{"rankers": out})
}

// Get handles GET /v1/rankers/{name}.
func (h *RankerHandlers) Get(w http.ResponseWriter, r *http.Request) {
	rk, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, describe(rk))
}

// Score handles POST /v1/rankers/{name}/score. Scoring never waits for an
// in-flight training update.
func (h *RankerHandlers) Score(w http.ResponseWriter, r *http.Request) {
	rk, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req ScoreRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Features) > 0 && len(req.Candidates) > 0 {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "set either features or candidates, not both")
		return
	}
	if n := len(req.Features) + len(req.Candidates); n > MaxCandidates {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, fmt.Sprintf("at most %d vectors per request, got %d", MaxCandidates, n))
		return
	}
	if req.Scale < 0 {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "scale must not be negative")
		return
	}

	vecs := req.Features
	var ids []string
	if len(req.Candidates) > 0 {
		var err error
		if vecs, err = vectors(rk, req.Candidates, req.Query); err != nil {
			WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		ids = make([]string, len(req.Candidates))
		for i, c := range req.Candidates {
			ids[i] = c.ID
		}
	}

	scores, err := rk.ScoreAll(vecs)
	if err != nil {
		WriteRankerError(w, r.Context(), err)
		return
	}
	if req.Scale > 0 && req.Scale != 1 {
		for i := range scores {
			scores[i] *= req.Scale
		}
	}
	writeJSON(w, r, http.StatusOK, ScoreResponse{Ranker: rk.Name(), Scores: scores, IDs: ids})
}

// Select handles POST /v1/rankers/{name}/select. The selection is recorded
// synchronously; the update it may trigger runs in the background, so the
// response is 202.
func (h *RankerHandlers) Select(w http.ResponseWriter, r *http.Request) {
	rk, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req SelectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Candidates) > MaxCandidates {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, fmt.Sprintf("at most %d candidates per selection, got %d", MaxCandidates, len(req.Candidates)))
		return
	}
	vecs, err := vectors(rk, req.Candidates, req.Query)
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	sel := ranker.Selection{Candidates: make([]training.Candidate, len(vecs)), Rank: req.SelectedRank}
	for i, v := range vecs {
		sel.Candidates[i] = training.Candidate{ID: req.Candidates[i].ID, Features: v}
	}

	if err := rk.Train(r.Context(), sel); err != nil {
		WriteRankerError(w, r.Context(), err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, SelectResponse{
		Ranker:     rk.Name(),
		HistoryLen: rk.HistoryLen(),
		Training:   rk.Training(),
	})
}

// stateCodec picks the codec named by a media type. An empty media type
// means JSON.
func stateCodec(mediaType string) (state.Codec, error) {
	if mediaType == "" {
		return state.JSONCodec{}, nil
	}
	mt, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", state.ErrUnknownCodec, mediaType)
	}
	switch mt {
	case "application/json", "*/*":
		return state.JSONCodec{}, nil
	case "application/cbor":
		return state.CBORCodec{}, nil
	}
	return nil, fmt.Errorf("%w: %q", state.ErrUnknownCodec, mt)
}

// acceptCodec returns the first codec the Accept header names, or JSON.
func acceptCodec(accept string) state.Codec {
	for _, part := range strings.Split(accept, ",") {
		if c, err := stateCodec(strings.TrimSpace(part)); err == nil {
			return c
		}
	}
	return state.JSONCodec{}
}

// GetState handles GET /v1/rankers/{name}/state. The Accept header selects
// JSON or CBOR.
func (h *RankerHandlers) GetState(w http.ResponseWriter, r *http.Request) {
	rk, ok := h.lookup(w, r)
	if !ok {
		return
	}
	codec := acceptCodec(r.Header.Get("Accept"))
	data, err := codec.Encode(rk.Serialize())
	if err != nil {
		WriteRankerError(w, r.Context(), err)
		return
	}
	w.Header().Set("Content-Type", codec.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rk.Name()+codec.Extension()))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(r.Context(), "failed to write state", "error", err)
	}
}

// PutState handles PUT /v1/rankers/{name}/state. The body is decoded by its
// Content-Type and loaded with migration; the ranker is unchanged on error.
func (h *RankerHandlers) PutState(w http.ResponseWriter, r *http.Request) {
	rk, ok := h.lookup(w, r)
	if !ok {
		return
	}
	codec, err := stateCodec(r.Header.Get("Content-Type"))
	if err != nil {
		WriteRankerError(w, r.Context(), err)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxStateBytes))
	if err != nil {
		WriteError(w, r.Context(), http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "State too large")
		return
	}
	st, err := codec.Decode(data)
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeCorruptState, err.Error())
		return
	}
	if err := rk.Load(r.Context(), st); err != nil {
		WriteRankerError(w, r.Context(), err)
		return
	}
	slog.InfoContext(r.Context(), "ranker state replaced",
		"ranker", rk.Name(),
		"subject", middleware.GetSubject(r.Context()),
		"input_width", st.InputWidth(),
	)
	writeJSON(w, r, http.StatusOK, describe(rk))
}

// Persist handles POST /v1/rankers/{name}/persist.
func (h *RankerHandlers) Persist(w http.ResponseWriter, r *http.Request) {
	rk, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := rk.Persist(r.Context()); err != nil {
		slog.ErrorContext(r.Context(), "persist failed", "ranker", rk.Name(), "error", err)
		WriteError(w, r.Context(), http.StatusServiceUnavailable, ErrCodeStoreUnavailable, "state store unavailable")
		return
	}
	writeJSON(w, r, http.StatusOK, describe(rk))
}

// Schema handles GET /v1/rankers/{name}/schema.
func (h *RankerHandlers) Schema(w http.ResponseWriter, r *http.Request) {
	rk, ok := h.lookup(w, r)
	if !ok {
		return
	}
	s := rk.Schema()
	if s == nil {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, fmt.Sprintf("ranker %q has no feature schema", rk.Name()))
		return
	}
	writeJSON(w, r, http.StatusOK, s)
}

// Notices handles GET /v1/rankers/{name}/notices, oldest first.
func (h *RankerHandlers) Notices(w http.ResponseWriter, r *http.Request) {
	rk, ok := h.lookup(w, r)
	if !ok {
		return
	}
	notices := []notify.Notice{}
	if h.notices != nil {
		notices = h.notices.Notices(rk.Name())
	}
	writeJSON(w, r, http.StatusOK, map[string][]notify.Notice{"notices": notices})
}
