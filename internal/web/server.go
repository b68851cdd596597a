// Package web serves the confirmation endpoint the account-link website
// calls, plus health and metrics.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kaze-no-manga/telegram-bot/internal/linking"
	"github.com/kaze-no-manga/telegram-bot/internal/metrics"
	"github.com/kaze-no-manga/telegram-bot/internal/storage"
	logx "github.com/kaze-no-manga/telegram-bot/pkg/logx"
)

type Config struct {
	Addr string
}

type Server struct {
	cfg         Config
	coordinator *linking.Coordinator
	metrics     *metrics.Collector
	log         logx.Logger

	http *http.Server
}

func NewServer(cfg Config, coordinator *linking.Coordinator, m *metrics.Collector, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, coordinator: coordinator, metrics: m, log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Post("/api/link/confirm", s.handleConfirm)
	return r
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shctx)
	}()

	s.log.Info("web server listening", logx.String("addr", s.cfg.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type confirmRequest struct {
	Code       string `json:"code"`
	AccountID  string `json:"account_id"`
	Credential string `json:"credential"`
}

type confirmResponse struct {
	ExternalID int64  `json:"external_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		s.confirmResult(w, http.StatusBadRequest, confirmResponse{Error: "bad_request"}, "bad_request")
		return
	}
	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	if req.Code == "" || strings.TrimSpace(req.AccountID) == "" {
		s.confirmResult(w, http.StatusBadRequest, confirmResponse{Error: "bad_request"}, "bad_request")
		return
	}

	externalID, err := s.coordinator.ConfirmLinking(r.Context(), req.Code, req.AccountID, req.Credential)
	if err != nil {
		status, code := confirmErrorStatus(err)
		if status == http.StatusInternalServerError {
			s.log.Error("confirm failed", logx.String("account_id", req.AccountID), logx.Err(err))
		}
		s.confirmResult(w, status, confirmResponse{Error: code}, code)
		return
	}
	s.confirmResult(w, http.StatusOK, confirmResponse{ExternalID: externalID}, "ok")
}

func (s *Server) confirmResult(w http.ResponseWriter, status int, body confirmResponse, metric string) {
	if s.metrics != nil {
		s.metrics.ConfirmResult(metric)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// confirmErrorStatus maps the linking-code taxonomy onto HTTP statuses the
// website renders. The error kind passes through unmodified in the body.
func confirmErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrCodeNotFound):
		return http.StatusNotFound, "code_not_found"
	case errors.Is(err, storage.ErrCodeExpired):
		return http.StatusGone, "code_expired"
	case errors.Is(err, storage.ErrCodeSuperseded):
		return http.StatusGone, "code_superseded"
	case errors.Is(err, storage.ErrCodeConsumed):
		return http.StatusConflict, "code_already_consumed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
