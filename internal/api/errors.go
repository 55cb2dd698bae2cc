package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shehryarbajwa/workshop-mini/internal/apperrors"
	"github.com/shehryarbajwa/workshop-mini/pkg/models"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	h.writeErrorWithSession(w, r, err, nil)
}

// writeErrorWithSession renders err as an ErrorBody. Errors without a code
// are reported as INTERNAL and their message is not exposed.
func (h *Handler) writeErrorWithSession(w http.ResponseWriter, r *http.Request, err error, sess *models.Session) {
	detail := errorDetail(err)
	detail.Session = sess

	status := apperrors.Code(detail.Code).HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, models.ErrorBody{Error: detail})
}

func errorDetail(err error) models.ErrorDetail {
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) || appErr.Code == apperrors.CodeUnknown {
		return models.ErrorDetail{Code: string(apperrors.CodeInternal), Message: "internal error"}
	}
	return models.ErrorDetail{
		Code:     string(appErr.Code),
		Message:  appErr.Message,
		Metadata: appErr.Metadata,
	}
}
