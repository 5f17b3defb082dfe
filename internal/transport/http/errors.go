package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gatherkit/gatherd/internal/session"
)

const (
	codeInvalidRequestBody = "invalid_request_body"
	codeNotFound           = "not_found"
	codeForbidden          = "forbidden"
	codeInvalidTransition  = "invalid_transition"
	codeSweepInProgress    = "sweep_in_progress"
	codeInternalError      = "internal_error"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(errorResponse{Error: msg, Code: code})
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal_error"}`))
		return
	}
	_, _ = w.Write(payload)
}

// writeServiceError maps the service error taxonomy onto HTTP statuses:
// conflicts are 409 so callers know a retry may succeed, not-found and
// forbidden are final, illegal lifecycle edges are 422.
func writeServiceError(w http.ResponseWriter, err error) {
	var validation *session.ValidationError
	var notFound *session.NotFoundError
	var conflict *session.ConflictError
	var invalidTransition *session.InvalidTransitionError
	var forbidden *session.ForbiddenError

	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, "invalid_"+validation.Field, validation.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, codeNotFound, notFound.Error())
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, string(conflict.Reason), conflict.Error())
	case errors.As(err, &invalidTransition):
		writeError(w, http.StatusUnprocessableEntity, codeInvalidTransition, invalidTransition.Error())
	case errors.As(err, &forbidden):
		writeError(w, http.StatusForbidden, codeForbidden, forbidden.Error())
	default:
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
	}
}
