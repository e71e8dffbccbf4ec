package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/querygate/internal/lifecycle"
	"github.com/seantiz/querygate/internal/model"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// submitRequestBody is the JSON body for POST /v1/requests.
type submitRequestBody struct {
	InstanceID   string `json:"instance_id" validate:"required"`
	DatabaseName string `json:"database_name" validate:"required"`
	PayloadKind  string `json:"payload_kind" validate:"required,oneof=inline_query uploaded_script"`
	Payload      string `json:"payload" validate:"required"`
	ScriptName   string `json:"script_name" validate:"max=255"`
	Comment      string `json:"comment" validate:"max=2000"`
	ClonedFrom   string `json:"cloned_from"`
}

// reviewBody is the JSON body for POST /v1/requests/{id}/review.
type reviewBody struct {
	Decision string `json:"decision" validate:"required,oneof=approve reject"`
	Comment  string `json:"comment" validate:"max=2000"`
}

// cloneBody is the optional JSON body for POST /v1/requests/{id}/clone.
type cloneBody struct {
	InstanceID   string `json:"instance_id"`
	DatabaseName string `json:"database_name"`
}

// listRequestsResponse wraps the paginated list response.
type listRequestsResponse struct {
	Requests []*model.Request `json:"requests"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

// reviewResponse carries the request and whether it was admitted to the
// execution pool.
type reviewResponse struct {
	*model.Request
	Queued bool `json:"queued"`
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	var body submitRequestBody
	if !s.decode(w, r, &body) {
		return
	}

	req, err := s.requests.Submit(r.Context(), p, lifecycle.Submission{
		InstanceID:   body.InstanceID,
		DatabaseName: body.DatabaseName,
		PayloadKind:  model.PayloadKind(body.PayloadKind),
		Payload:      body.Payload,
		ScriptName:   body.ScriptName,
		Comment:      body.Comment,
		ClonedFrom:   body.ClonedFrom,
	})
	if err != nil {
		s.writeServiceError(w, "submit request", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.store.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, "get request", err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	q := r.URL.Query()
	filter := model.RequestFilter{
		State:      model.RequestState(q.Get("state")),
		Submitter:  q.Get("submitter"),
		InstanceID: q.Get("instance_id"),
		Limit:      limit,
		Offset:     offset,
	}
	if filter.State != "" && !filter.State.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown state "+string(filter.State))
		return
	}

	requests, total, err := s.store.ListRequests(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, "list requests", err)
		return
	}
	if requests == nil {
		requests = []*model.Request{}
	}

	s.writeJSON(w, http.StatusOK, listRequestsResponse{
		Requests: requests,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

// handleReviewRequest records the decision. An approval that finds the pool
// saturated is still recorded; the response is 202 with queued=false and a
// Retry-After header, and the request can be re-submitted via /execute.
func (s *Server) handleReviewRequest(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	var body reviewBody
	if !s.decode(w, r, &body) {
		return
	}

	req, err := s.requests.Review(r.Context(), p, chi.URLParam(r, "id"), body.Decision == "approve", body.Comment)
	if req != nil && errors.Is(err, model.ErrPoolSaturated) {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		s.writeJSON(w, http.StatusAccepted, reviewResponse{Request: req, Queued: false})
		return
	}
	if err != nil {
		s.writeServiceError(w, "review request", err)
		return
	}
	s.writeJSON(w, http.StatusOK, reviewResponse{Request: req, Queued: req.State == model.StateApproved})
}

func (s *Server) handleExecuteRequest(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	req, err := s.requests.Execute(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, "execute request", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, reviewResponse{Request: req, Queued: true})
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.requests.Cancel(r.Context(), p, id); err != nil {
		s.writeServiceError(w, "cancel request", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func (s *Server) handleCloneRequest(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	var body cloneBody
	if r.ContentLength != 0 && !s.decode(w, r, &body) {
		return
	}

	draft, err := s.requests.Clone(r.Context(), p, chi.URLParam(r, "id"), lifecycle.CloneOptions{
		InstanceID:   body.InstanceID,
		DatabaseName: body.DatabaseName,
	})
	if err != nil {
		s.writeServiceError(w, "clone request", err)
		return
	}
	s.writeJSON(w, http.StatusOK, draft)
}
