package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/querygate/internal/model"
)

// appendBlacklistBody is the JSON body for POST /v1/blacklist.
type appendBlacklistBody struct {
	Pattern string `json:"pattern" validate:"required,max=255"`
	Kind    string `json:"kind" validate:"required,oneof=exact prefix regex"`
	Reason  string `json:"reason" validate:"max=500"`
}

// syncAllResponse reports every recorded run of a manual pass. Error is set
// when at least one instance failed.
type syncAllResponse struct {
	Runs  []*model.SyncRun `json:"runs"`
	Error string           `json:"error,omitempty"`
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.store.ListInstances(r.Context(), r.URL.Query().Get("all") != "true")
	if err != nil {
		s.writeServiceError(w, "list instances", err)
		return
	}
	if instances == nil {
		instances = []*model.Instance{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"instances": instances})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.store.GetInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, "get instance", err)
		return
	}
	s.writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleListDatabases(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetInstance(r.Context(), id); err != nil {
		s.writeServiceError(w, "get instance", err)
		return
	}

	dbs, err := s.store.ListDatabases(r.Context(), id, r.URL.Query().Get("all") == "true")
	if err != nil {
		s.writeServiceError(w, "list databases", err)
		return
	}
	if dbs == nil {
		dbs = []*model.Database{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"instance_id": id, "databases": dbs})
}

// handleSyncInstance runs a manual pass and returns its SyncRun. A pass that
// reached the instance but failed is still a 200; the run carries the error.
func (s *Server) handleSyncInstance(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if !p.HasRole(model.RoleOperator) && !p.CanReview(id) {
		s.writeServiceError(w, "sync instance", fmt.Errorf("%w: %s may not sync %s", model.ErrForbidden, p.ID, id))
		return
	}

	run, err := s.sync.SyncInstance(r.Context(), id, model.TriggerManual)
	if run != nil {
		s.writeJSON(w, http.StatusOK, run)
		return
	}
	s.writeServiceError(w, "sync instance", err)
}

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	if !p.HasRole(model.RoleOperator) {
		s.writeServiceError(w, "sync", fmt.Errorf("%w: only operators may sync every instance", model.ErrForbidden))
		return
	}

	runs, err := s.sync.SyncAll(r.Context(), model.TriggerManual)
	if runs == nil && err != nil {
		s.writeServiceError(w, "sync", err)
		return
	}
	resp := syncAllResponse{Runs: runs}
	if resp.Runs == nil {
		resp.Runs = []*model.SyncRun{}
	}
	if err != nil {
		resp.Error = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListSyncRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}

	runs, err := s.store.ListSyncRuns(r.Context(), r.URL.Query().Get("instance_id"), limit)
	if err != nil {
		s.writeServiceError(w, "list sync runs", err)
		return
	}
	if runs == nil {
		runs = []*model.SyncRun{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleListBlacklist(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListBlacklist(r.Context())
	if err != nil {
		s.writeServiceError(w, "list blacklist", err)
		return
	}
	if entries == nil {
		entries = []model.BlacklistEntry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleAppendBlacklist adds an entry. It takes effect on the next sync pass.
func (s *Server) handleAppendBlacklist(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	if !p.HasRole(model.RoleOperator) {
		s.writeServiceError(w, "append blacklist", fmt.Errorf("%w: only operators may edit the blacklist", model.ErrForbidden))
		return
	}
	var body appendBlacklistBody
	if !s.decode(w, r, &body) {
		return
	}

	entry := &model.BlacklistEntry{
		Pattern: body.Pattern,
		Kind:    model.MatchKind(body.Kind),
		Reason:  body.Reason,
	}
	if err := s.store.AppendBlacklistEntry(r.Context(), entry); err != nil {
		s.writeServiceError(w, "append blacklist", err)
		return
	}
	s.logger.Info("blacklist entry added", "pattern", entry.Pattern, "kind", entry.Kind, "operator", p.ID)
	s.writeJSON(w, http.StatusCreated, entry)
}
