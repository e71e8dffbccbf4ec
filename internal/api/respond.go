package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/seantiz/querygate/internal/model"
)

const (
	headerPrincipal   = "X-Principal"
	headerRoles       = "X-Roles"
	headerReviewScope = "X-Review-Scope"

	maxBodySize = 2 << 20

	// retryAfterSeconds is sent with 503 responses to saturated submissions.
	retryAfterSeconds = 5
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// principal reads the caller identity supplied by the fronting identity
// proxy. It returns false when no principal header is present.
func principal(r *http.Request) (model.Principal, bool) {
	id := strings.TrimSpace(r.Header.Get(headerPrincipal))
	if id == "" {
		return model.Principal{}, false
	}
	return model.Principal{
		ID:          id,
		Roles:       splitList(r.Header.Get(headerRoles)),
		ReviewScope: splitList(r.Header.Get(headerReviewScope)),
	}, true
}

func splitList(v string) []string {
	var out []string
	for item := range strings.SplitSeq(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// requirePrincipal writes a 401 and returns false when the caller is
// anonymous.
func (s *Server) requirePrincipal(w http.ResponseWriter, r *http.Request) (model.Principal, bool) {
	p, ok := principal(r)
	if !ok {
		s.writeError(w, http.StatusUnauthorized, headerPrincipal+" header is required")
	}
	return p, ok
}

// decode reads a JSON body into v and validates its struct tags.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			s.writeError(w, http.StatusBadRequest, fieldMessage(verrs[0]))
			return false
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return field + " must be one of: " + fe.Param()
	case "max":
		return field + " is too long"
	default:
		return field + " is invalid"
	}
}

// writeServiceError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrMalformedQuery), errors.Is(err, model.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrTargetUnavailable), errors.Is(err, model.ErrStaleState):
		status = http.StatusConflict
	case errors.Is(err, model.ErrPoolSaturated):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		status = http.StatusServiceUnavailable
	case errors.Is(err, model.ErrTimedOut):
		status = http.StatusGatewayTimeout
	case errors.Is(err, model.ErrSyncPartialFailure):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		s.logger.Error(op, "error", err)
		s.writeError(w, status, op+" failed")
		return
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Code: codeFor(err)})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, model.ErrForbidden):
		return "Forbidden"
	case errors.Is(err, model.ErrNotFound):
		return "NotFound"
	case errors.Is(err, model.ErrInvalidInput):
		return "InvalidInput"
	case errors.Is(err, model.ErrPoolSaturated):
		return "PoolSaturated"
	case errors.Is(err, model.ErrStaleState):
		return "StaleState"
	case errors.Is(err, model.ErrSyncPartialFailure):
		return "SyncPartialFailure"
	}
	return model.ErrorCode(err)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
