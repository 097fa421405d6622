package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/edgegate/backend/internal/core"
)

type errorBody struct {
	Error struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	} `json:"error"`
}

// httpStatus maps the closed error-code set onto HTTP statuses.
func httpStatus(code core.Code) int {
	switch code {
	case core.CodeNotFound, core.CodeUnknownWorkspace:
		return http.StatusNotFound
	case core.CodeConflict, core.CodeReplay:
		return http.StatusConflict
	case core.CodeForbidden:
		return http.StatusForbidden
	case core.CodeInvalidSignature, core.CodeStaleTimestamp, core.CodeTokenInvalid:
		return http.StatusUnauthorized
	case core.CodeLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case core.CodeInvalidRequest, core.CodeInvalidModelPackage, core.CodeDependencyNotPublished, core.CodeNoIntegration:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	code := core.CodeOf(err)
	status := httpStatus(code)
	if status == http.StatusInternalServerError {
		log.Error("request failed", slog.Any("error", err))
	}

	var body errorBody
	body.Error.Code = string(code)
	body.Error.Detail = detailOf(err, code)
	writeJSON(w, status, body)
}

// detailOf exposes the detail of typed errors; foreign errors render a
// generic message so internals never leak to clients.
func detailOf(err error, code core.Code) string {
	var typed *core.Error
	if errors.As(err, &typed) {
		return typed.Detail
	}
	if code == core.CodeInternal {
		return "internal error"
	}
	return err.Error()
}
