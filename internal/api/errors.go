package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yairfalse/cloudwatcher/internal/accounts"
	"github.com/yairfalse/cloudwatcher/internal/scheduler"
	"github.com/yairfalse/cloudwatcher/storage"
	"github.com/yairfalse/cloudwatcher/types"
)

// Error kinds that are not sync error kinds
const (
	kindInvalidRequest = "invalid_request"
	kindNotFound       = "not_found"
	kindConflict       = "conflict"
	kindUnavailable    = "unavailable"
)

// errorBody is the JSON shape of every error response
type errorBody struct {
	Error   string   `json:"error"`
	Kind    string   `json:"kind"`
	Missing []string `json:"missing,omitempty"`
}

func abortWithError(c *gin.Context, status int, kind, msg string) {
	c.AbortWithStatusJSON(status, errorBody{Error: msg, Kind: kind})
}

func badRequest(c *gin.Context, msg string) {
	abortWithError(c, http.StatusBadRequest, kindInvalidRequest, msg)
}

// respondError maps err onto a status code and error body
func respondError(c *gin.Context, err error) {
	status, body := classify(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, body)
}

func classify(err error) (int, errorBody) {
	body := errorBody{Error: err.Error()}

	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, scheduler.ErrJobNotFound):
		body.Kind = kindNotFound
		return http.StatusNotFound, body
	case errors.Is(err, storage.ErrAlreadyExists), errors.Is(err, scheduler.ErrJobRunning):
		body.Kind = kindConflict
		return http.StatusConflict, body
	case errors.Is(err, accounts.ErrInvalid):
		body.Kind = kindInvalidRequest
		return http.StatusBadRequest, body
	case errors.Is(err, scheduler.ErrStopped):
		body.Kind = kindUnavailable
		return http.StatusServiceUnavailable, body
	}

	var se *types.SyncError
	if errors.As(err, &se) {
		body.Kind = string(se.Kind)
		switch se.Kind {
		case types.KindValidation:
			body.Missing = se.Missing
			return http.StatusBadRequest, body
		case types.KindCredentials, types.KindUnknownProvider:
			return http.StatusBadRequest, body
		}
		return http.StatusInternalServerError, body
	}

	body.Kind = string(types.KindInternal)
	return http.StatusInternalServerError, body
}
