// Package server exposes the question-answering pipeline over HTTP JSON and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/phuslu/log"

	"github.com/xhad/lexqa/internal/logging"
	"github.com/xhad/lexqa/internal/models"
	"github.com/xhad/lexqa/internal/types"
)

// maxBodyBytes bounds request bodies and WebSocket frames.
const maxBodyBytes = 64 << 10

// Answerer is the part of the pipeline the transport needs.
type Answerer interface {
	Answer(ctx context.Context, question, sessionID string) (*models.Answer, error)
	History(ctx context.Context, sessionID string, n int) ([]models.SessionTurn, error)
	Ready(ctx context.Context) error
}

type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    3 * time.Minute,
		RequestTimeout:  2 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
	}
}

type Server struct {
	config     Config
	pipeline   Answerer
	router     *http.ServeMux
	httpServer *http.Server
	logger     *log.Logger
}

// AnswerRequest is the body of POST /api/v1/answer and of a WebSocket "question" message.
type AnswerRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id"`
}

type HistoryResponse struct {
	SessionID string               `json:"session_id"`
	Turns     []models.SessionTurn `json:"turns"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// New creates a server. Zero config fields take DefaultConfig values.
func New(config Config, pipeline Answerer, logger *log.Logger) *Server {
	def := DefaultConfig()
	if config.Host == "" {
		config.Host = def.Host
	}
	if config.Port == 0 {
		config.Port = def.Port
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}

	s := &Server{
		config:   config,
		pipeline: pipeline,
		router:   http.NewServeMux(),
		logger:   logging.OrNop(logger),
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      s.Handler(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /ready", s.handleReady)

	s.router.HandleFunc("POST /api/v1/answer", s.handleAnswer)
	s.router.HandleFunc("GET /api/v1/sessions/{id}/history", s.handleHistory)

	s.router.HandleFunc("GET /ws", s.handleWebSocket)
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return s.withMiddleware(s.router)
}

// Run serves until ctx is cancelled, then drains in-flight requests for up to
// ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("starting server")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info().Msg("server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.pipeline.Ready(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  types.PublicMessage(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "request body must be a JSON object with question and session_id"})
		return
	}

	answer, err := s.answer(r.Context(), req)
	writeJSON(w, types.StatusCode(err), answer)
}

func (s *Server) answer(ctx context.Context, req AnswerRequest) (*models.Answer, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	answer, err := s.pipeline.Answer(ctx, req.Question, req.SessionID)
	if answer == nil {
		answer = &models.Answer{
			Success:   err == nil,
			Question:  req.Question,
			SessionID: req.SessionID,
			Timestamp: time.Now().UTC(),
			Error:     types.PublicMessage(err),
		}
	}
	return answer, err
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	n := 0
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "n must be a positive integer"})
			return
		}
		n = v
	}

	turns, err := s.pipeline.History(r.Context(), id, n)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", id).Msg("history failed")
		writeJSON(w, types.StatusCode(err), errorResponse{Error: types.PublicMessage(err)})
		return
	}
	if turns == nil {
		turns = []models.SessionTurn{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{SessionID: id, Turns: turns})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
