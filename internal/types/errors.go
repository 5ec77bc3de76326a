package types

import (
	"context"
	"errors"
	"net/http"
)

var (
	ErrInvalidConfig         = errors.New("invalid configuration")
	ErrEmbeddingUnavailable  = errors.New("embedding service unavailable")
	ErrStoreUnavailable      = errors.New("vector store unavailable")
	ErrDimensionMismatch     = errors.New("embedding dimension mismatch")
	ErrGenerationUnavailable = errors.New("answer generation unavailable")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrMemoryUnavailable     = errors.New("session memory unavailable")
)

// PublicMessage maps an error to a message that is safe to show to end users.
func PublicMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "the request was cancelled before an answer was produced"
	case errors.Is(err, ErrEmbeddingUnavailable):
		return "the embedding service is currently unavailable, please try again later"
	case errors.Is(err, ErrStoreUnavailable):
		return "the knowledge base is currently unavailable, please try again later"
	case errors.Is(err, ErrDimensionMismatch):
		return "the knowledge base is misconfigured (embedding dimension mismatch)"
	case errors.Is(err, ErrGenerationUnavailable):
		return "the answer service is currently unavailable, please try again later"
	case errors.Is(err, ErrMemoryUnavailable):
		return "conversation history is currently unavailable, please try again later"
	}
	return "an internal error occurred"
}

// StatusCode maps an error to the HTTP status returned to clients.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrEmbeddingUnavailable), errors.Is(err, ErrGenerationUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, ErrMemoryUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
