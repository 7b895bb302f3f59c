// Package webhook exposes the HTTP intake for trading signals plus the
// health and status endpoints.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/eddiefleurent/signal_bridge/internal/broker"
	"github.com/eddiefleurent/signal_bridge/internal/models"
)

const (
	maxBodyBytes    = 64 * 1024
	signatureHeader = "X-Signature"
	signaturePrefix = "sha256="

	// Per-source request budget; bursts cover signal clusters at session open.
	limiterRate  = rate.Limit(5)
	limiterBurst = 10
)

// Core is the trading core surface the intake drives.
type Core interface {
	ProcessSignal(ctx context.Context, sig *models.Signal) error
	PendingCount() int
	Positions() []models.PositionRecord
	ConnectionState() broker.ConnectionState
}

// Options configures the intake server.
type Options struct {
	Host            string
	Port            int
	Secret          string
	AllowedIPs      []string
	DefaultQuantity int
}

// Server is the signal intake listener.
type Server struct {
	opts   Options
	core   Core
	logger *logrus.Logger
	http   *http.Server

	allowed map[string]bool

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	startedAt time.Time
}

// payload is the inbound webhook schema.
type payload struct {
	Symbol   string  `json:"symbol"`
	Action   string  `json:"action"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
	Message  string  `json:"message"`
}

// NewServer creates the intake server.
func NewServer(opts Options, core Core, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	allowed := make(map[string]bool, len(opts.AllowedIPs))
	for _, ip := range opts.AllowedIPs {
		allowed[ip] = true
	}
	s := &Server{
		opts:      opts,
		core:      core,
		logger:    logger,
		allowed:   allowed,
		limiters:  make(map[string]*rate.Limiter),
		startedAt: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Post("/webhook", s.handleWebhook)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)

	s.http = &http.Server{
		Addr:              net.JoinHostPort(opts.Host, fmt.Sprintf("%d", opts.Port)),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.http.Addr).Info("signal intake listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("intake shutdown: %w", err)
		}
		return <-errCh
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	log := s.logger.WithField("remote", ip)

	if len(s.allowed) > 0 && !s.allowed[ip] {
		log.Warn("rejecting signal from unlisted source")
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "source not allowed"})
		return
	}

	if !s.limiter(ip).Allow() {
		log.Warn("rate limit exceeded")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	if !s.verifySignature(r.Header.Get(signatureHeader), body) {
		log.Warn("rejecting signal with bad signature")
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid signature"})
		return
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON payload"})
		return
	}

	sig, err := s.buildSignal(&p)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if err := s.core.ProcessSignal(r.Context(), sig); err != nil {
		// The request was well-formed; the core declined it. 200 keeps signal
		// sources from retrying a decision that will not change.
		log.WithField("signal", sig.String()).WithError(err).Info("signal rejected by core")
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "rejected",
			"reason": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// buildSignal validates the payload and fills defaults.
func (s *Server) buildSignal(p *payload) (*models.Signal, error) {
	if strings.TrimSpace(p.Symbol) == "" {
		return nil, fmt.Errorf("field symbol is required")
	}
	action, err := models.ParseAction(p.Action)
	if err != nil {
		return nil, fmt.Errorf("field action: %w", err)
	}
	qty := p.Quantity
	if qty == 0 {
		qty = s.opts.DefaultQuantity
	}
	if qty <= 0 {
		return nil, fmt.Errorf("field quantity must be positive")
	}
	sig := &models.Signal{
		Symbol:     strings.ToUpper(strings.TrimSpace(p.Symbol)),
		Action:     action,
		Quantity:   qty,
		Price:      p.Price,
		Message:    p.Message,
		ReceivedAt: time.Now(),
	}
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	return sig, nil
}

// verifySignature checks the HMAC-SHA256 of the raw body against the
// sha256=<hex> header in constant time.
func (s *Server) verifySignature(header string, body []byte) bool {
	if s.opts.Secret == "" {
		return true
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.opts.Secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (s *Server) limiter(ip string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	lim, ok := s.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(limiterRate, limiterBurst)
		s.limiters[ip] = lim
	}
	return lim
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	positions := s.core.Positions()
	type positionView struct {
		Symbol   string  `json:"symbol"`
		State    string  `json:"state"`
		Quantity int64   `json:"quantity"`
		AvgCost  float64 `json:"avg_cost"`
	}
	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, positionView{
			Symbol:   p.Symbol,
			State:    string(p.State),
			Quantity: p.SignedQuantity(),
			AvgCost:  p.AvgCost,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connection":     string(s.core.ConnectionState()),
		"pending_orders": s.core.PendingCount(),
		"positions":      views,
		"uptime":         time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
