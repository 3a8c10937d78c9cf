package gateway

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/roach88/recordflow/internal/apperr"
)

// ErrorBody is the error envelope: {"error": {kind, message, details}}.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failed request.
type ErrorDetail struct {
	Kind    apperr.Kind    `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

var statusByKind = map[apperr.Kind]int{
	apperr.KindValidation:          http.StatusBadRequest,
	apperr.KindInvalidFieldType:    http.StatusBadRequest,
	apperr.KindFieldInUse:          http.StatusConflict,
	apperr.KindNotFound:            http.StatusNotFound,
	apperr.KindVersionConflict:     http.StatusConflict,
	apperr.KindRecordLocked:        http.StatusLocked,
	apperr.KindAmbiguousTransition: http.StatusUnprocessableEntity,
	apperr.KindCyclicRelation:      http.StatusUnprocessableEntity,
	apperr.KindRuleConflict:        http.StatusConflict,
	apperr.KindWorkflowRunFailed:   http.StatusUnprocessableEntity,
	apperr.KindAuditTamper:         http.StatusServiceUnavailable,
	apperr.KindUnauthenticated:     http.StatusUnauthorized,
	apperr.KindForbidden:           http.StatusForbidden,
	apperr.KindInternal:            http.StatusInternalServerError,
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind apperr.Kind) int {
	if s, ok := statusByKind[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// toBody converts any handler error into the envelope and its status.
// Internal errors never leak their message.
func toBody(err error) (int, ErrorBody) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		kind := apperr.KindInternal
		switch he.Code {
		case http.StatusNotFound, http.StatusMethodNotAllowed:
			kind = apperr.KindNotFound
		case http.StatusBadRequest, http.StatusUnsupportedMediaType, http.StatusRequestEntityTooLarge:
			kind = apperr.KindValidation
		case http.StatusUnauthorized:
			kind = apperr.KindUnauthenticated
		case http.StatusForbidden:
			kind = apperr.KindForbidden
		}
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok && kind != apperr.KindInternal {
			msg = m
		}
		return he.Code, ErrorBody{Error: ErrorDetail{Kind: kind, Message: msg}}
	}

	e, ok := apperr.As(err)
	if !ok || e.Kind == apperr.KindInternal {
		return http.StatusInternalServerError, ErrorBody{Error: ErrorDetail{
			Kind:    apperr.KindInternal,
			Message: "internal error",
		}}
	}
	return StatusFor(e.Kind), ErrorBody{Error: ErrorDetail{
		Kind:    e.Kind,
		Message: e.Message,
		Details: e.Details,
	}}
}

// handleError is the echo error handler.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, body := toBody(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", c.Request().Method,
			"path", c.Path(),
			"status", status,
			"error", err)
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		s.logger.Error("write error response", "error", err)
	}
}
