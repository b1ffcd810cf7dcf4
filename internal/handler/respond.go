// internal/handler/respond.go
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
)

// WriteJSON encodes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// StatusFor maps service errors onto HTTP status codes.
func StatusFor(err error) int {
	var transition *appErrors.ErrInvalidTransition
	var render *appErrors.ErrTemplateRender
	switch {
	case appErrors.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, appErrors.ErrCampaignAlreadySending),
		errors.Is(err, appErrors.ErrCampaignNotSending),
		errors.As(err, &transition):
		return http.StatusConflict
	case errors.Is(err, appErrors.ErrInvalidInput), errors.As(err, &render):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes {"error": ...}. Internal errors are logged and not echoed.
func WriteError(w http.ResponseWriter, log *zap.Logger, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
		msg = http.StatusText(status)
	}
	WriteJSON(w, status, map[string]string{"error": msg})
}

// DecodeJSON reads the request body into v. An empty body leaves v untouched.
func DecodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid body: %v", appErrors.ErrInvalidInput, err)
	}
	return nil
}

// IntParam parses a positive integer URL parameter.
func IntParam(r *http.Request, name string) (int, error) {
	v, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%w: invalid %s", appErrors.ErrInvalidInput, name)
	}
	return v, nil
}

// QueryInt returns the integer query parameter or fallback when absent or malformed.
func QueryInt(r *http.Request, name string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return fallback
	}
	return v
}
