package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/maxpert/labeler/admin"
	"github.com/maxpert/labeler/label"
	"github.com/maxpert/labeler/notify"
	"github.com/maxpert/labeler/query"
	"github.com/maxpert/labeler/store"
	"github.com/maxpert/labeler/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	errKindInvalidRequest = "InvalidRequest"
	errKindInternal       = "InternalError"
)

type createLabelInput struct {
	URI string `json:"uri"`
	CID string `json:"cid,omitempty"`
	Val string `json:"val"`
	Neg bool   `json:"neg,omitempty"`
	Exp string `json:"exp,omitempty"`
}

type createLabelsRequest struct {
	Labels []createLabelInput `json:"labels"`
}

type createLabelsResponse struct {
	Count int   `json:"count"`
	Seq   int64 `json:"seq"`
}

type enqueueItemInput struct {
	Kind string `json:"kind"`
	URI  string `json:"uri"`
	Neg  bool   `json:"neg,omitempty"`
	Exp  string `json:"exp,omitempty"`
}

type enqueueLabelsRequest struct {
	Items []enqueueItemInput `json:"items"`
}

type enqueueLabelsResponse struct {
	Count int `json:"count"`
}

type wellKnownResponse struct {
	DID string `json:"did"`
	Key string `json:"key"`
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}
	return nil
}

func parseExp(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := label.ParseTime(raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func checkBatch(n int, what string) error {
	if n == 0 {
		return fmt.Errorf("at least one %s is required", what)
	}
	if n > MaxBatch {
		return fmt.Errorf("at most %d %ss per request, got %d", MaxBatch, what, n)
	}
	return nil
}

// handleCreateLabels signs and appends labels directly, bypassing the queue.
func (s *Server) handleCreateLabels(w http.ResponseWriter, r *http.Request) {
	const endpoint = "createLabels"

	var req createLabelsRequest
	if err := decodeBody(r, &req); err != nil {
		s.rejectWrite(w, endpoint, err)
		return
	}
	if err := checkBatch(len(req.Labels), "label"); err != nil {
		s.rejectWrite(w, endpoint, err)
		return
	}

	cts := label.Truncate(s.config.Now())
	signed := make([]label.Signed, 0, len(req.Labels))
	for i, in := range req.Labels {
		exp, err := parseExp(in.Exp)
		if err != nil {
			s.rejectWrite(w, endpoint, fmt.Errorf("label %d: %w", i, err))
			return
		}
		sl, err := s.config.Signer.Sign(label.Unsigned{
			Src: s.config.Signer.DID(),
			URI: in.URI,
			CID: in.CID,
			Val: in.Val,
			Neg: in.Neg,
			Cts: cts,
			Exp: exp,
		})
		if err != nil {
			s.rejectWrite(w, endpoint, fmt.Errorf("label %d: %w", i, err))
			return
		}
		signed = append(signed, sl)
	}

	entries, err := s.config.Store.AppendLabels(r.Context(), signed)
	if err != nil {
		log.Error().Err(err).Int("count", len(signed)).Msg("Failed to append labels")
		telemetry.WriteRequestsTotal.With(endpoint, "failed").Inc()
		admin.WriteError(w, http.StatusInternalServerError, errKindInternal, "failed to append labels")
		return
	}

	s.config.Hub.PublishAll(notify.TopicLabels, entries)
	telemetry.LabelsAppendedTotal.With("direct").Add(float64(len(entries)))
	telemetry.WriteRequestsTotal.With(endpoint, "success").Inc()

	resp := createLabelsResponse{Count: len(entries)}
	if n := len(entries); n > 0 {
		resp.Seq = entries[n-1].Seq
	}
	admin.WriteJSON(w, http.StatusOK, resp)
}

// handleEnqueueLabels adds label requests to the outbound queue.
func (s *Server) handleEnqueueLabels(w http.ResponseWriter, r *http.Request) {
	const endpoint = "enqueueLabels"

	var req enqueueLabelsRequest
	if err := decodeBody(r, &req); err != nil {
		s.rejectWrite(w, endpoint, err)
		return
	}
	if err := checkBatch(len(req.Items), "item"); err != nil {
		s.rejectWrite(w, endpoint, err)
		return
	}

	items := make([]store.QueueItem, 0, len(req.Items))
	for i, in := range req.Items {
		if _, ok := label.ParseKind(in.Kind); !ok {
			s.rejectWrite(w, endpoint, fmt.Errorf("item %d: unknown kind %q", i, in.Kind))
			return
		}
		if in.URI == "" {
			s.rejectWrite(w, endpoint, fmt.Errorf("item %d: uri is required", i))
			return
		}
		exp, err := parseExp(in.Exp)
		if err != nil {
			s.rejectWrite(w, endpoint, fmt.Errorf("item %d: %w", i, err))
			return
		}
		items = append(items, store.QueueItem{Kind: in.Kind, URI: in.URI, Neg: in.Neg, Exp: exp})
	}

	n, err := s.config.Store.Enqueue(r.Context(), items...)
	if err != nil {
		log.Error().Err(err).Int("count", len(items)).Msg("Failed to enqueue labels")
		telemetry.WriteRequestsTotal.With(endpoint, "failed").Inc()
		admin.WriteError(w, http.StatusInternalServerError, errKindInternal, "failed to enqueue labels")
		return
	}

	telemetry.WriteRequestsTotal.With(endpoint, "success").Inc()
	admin.WriteJSON(w, http.StatusOK, enqueueLabelsResponse{Count: n})
}

func (s *Server) rejectWrite(w http.ResponseWriter, endpoint string, err error) {
	telemetry.WriteRequestsTotal.With(endpoint, "invalid").Inc()
	admin.WriteError(w, http.StatusBadRequest, errKindInvalidRequest, err.Error())
}

// handleQueryLabels serves com.atproto.label.queryLabels.
func (s *Server) handleQueryLabels(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()

	res, err := s.config.Query.QueryLabels(r.Context(), query.Params{
		URIPatterns: q["uriPatterns"],
		Sources:     q["sources"],
		Cursor:      q.Get("cursor"),
		Limit:       q.Get("limit"),
	})
	telemetry.QueryDurationSeconds.Observe(time.Since(start).Seconds())

	var qerr *query.Error
	switch {
	case errors.As(err, &qerr):
		telemetry.QueryRequestsTotal.With("invalid").Inc()
		admin.WriteError(w, http.StatusBadRequest, qerr.Kind, qerr.Message)
	case err != nil:
		telemetry.QueryRequestsTotal.With("failed").Inc()
		log.Error().Err(err).Msg("Label query failed")
		admin.WriteError(w, http.StatusInternalServerError, errKindInternal, "failed to query labels")
	default:
		telemetry.QueryRequestsTotal.With("success").Inc()
		admin.WriteJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleWellKnown(w http.ResponseWriter, r *http.Request) {
	admin.WriteJSON(w, http.StatusOK, wellKnownResponse{
		DID: s.config.Signer.DID(),
		Key: s.config.Signer.PublicKeyDIDKey(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.config.Store.Ping(r.Context()); err != nil {
		log.Warn().Err(err).Msg("Health check failed")
		admin.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	admin.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
