package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nanainternational/nana-renewal-sub000/internal/aicopy"
	"github.com/nanainternational/nana-renewal-sub000/internal/compositor"
	"github.com/nanainternational/nana-renewal-sub000/internal/extractcache"
	"github.com/nanainternational/nana-renewal-sub000/internal/extraction"
	"github.com/nanainternational/nana-renewal-sub000/internal/fetcher"
)

var (
	errInvalidInput = errors.New("invalid input")
	errUnauthorized = errors.New("sign in required")
)

// statusClientClosedRequest is nginx's code for a caller that hung up.
const statusClientClosedRequest = 499

// apiError is the client-facing rendering of an internal error.
type apiError struct {
	status    int
	code      string
	retryable bool
	message   string
}

// classify maps service errors to status codes. Order matters: a navigation
// failure caused by a deadline is reported as a timeout.
func classify(err error) apiError {
	switch {
	case errors.Is(err, errInvalidInput),
		errors.Is(err, extraction.ErrInvalidURL),
		errors.Is(err, aicopy.ErrInvalidRequest):
		return apiError{http.StatusBadRequest, "invalid_input", false, err.Error()}
	case errors.Is(err, errUnauthorized):
		return apiError{http.StatusUnauthorized, "unauthorized", false, "sign in to use this feature"}
	case errors.Is(err, aicopy.ErrInsufficientCredit):
		return apiError{http.StatusPaymentRequired, "insufficient_credit", false, "not enough credit; top up your wallet to generate copy"}
	case errors.Is(err, extractcache.ErrNotFound):
		return apiError{http.StatusNotFound, "not_found", false, "no recent extraction"}
	case errors.Is(err, context.Canceled):
		return apiError{statusClientClosedRequest, "canceled", true, "the request was canceled"}
	case errors.Is(err, context.DeadlineExceeded):
		return apiError{http.StatusGatewayTimeout, "timeout", true, "the request timed out; try again"}
	case errors.Is(err, fetcher.ErrBlocked):
		return apiError{http.StatusBadGateway, "blocked", false, "the marketplace asked for a login or captcha; open the page manually and log in, then retry later"}
	case errors.Is(err, fetcher.ErrNavigation):
		return apiError{http.StatusBadGateway, "navigation_failed", true, "the product page could not be loaded; try again"}
	case errors.Is(err, aicopy.ErrModel):
		return apiError{http.StatusBadGateway, "model_unavailable", true, "the copy model is unavailable; you were not charged, try again"}
	case errors.Is(err, aicopy.ErrUnparseableOutput):
		return apiError{http.StatusBadGateway, "model_output_invalid", true, "the copy model returned an unusable answer; you were not charged, try again"}
	case errors.Is(err, compositor.ErrEmptyComposition):
		return apiError{http.StatusUnprocessableEntity, "empty_composition", false, "add a title, a comment or at least one loadable image"}
	default:
		return apiError{http.StatusInternalServerError, "internal", false, "internal error"}
	}
}

func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	e := classify(err)
	level := slog.LevelInfo
	if e.status >= http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	logger.Log(r.Context(), level, "request failed", "path", r.URL.Path, "code", e.code, "status", e.status, "error", err)
	writeJSON(w, e.status, ErrorResponse{OK: false, Error: e.message, Code: e.code, Retryable: e.retryable})
}
