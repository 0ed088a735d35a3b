// Package gateway runs the HTTP surface: the provider webhook endpoint
// and a read-only job status API. Webhooks are verified, deduplicated,
// and acknowledged immediately; the actual sync work happens on an
// internal queue with bounded retry and a dead letter list.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"

	"conduit/internal/db"
	"conduit/internal/models"
	"conduit/internal/orchestrator"
	"conduit/internal/syncer"
)

// Routing errors surfaced by resolveConnection
var (
	ErrInstallationNotFound      = errors.New("no connection matches the event's account")
	ErrMultipleConnectionsFound  = errors.New("multiple connections match the event's account")
	ErrUnsupportedWebhookPayload = errors.New("unsupported webhook payload")
)

const (
	dedupCacheSize  = 4096
	queueDepth      = 256
	maxBodyBytes    = 1 << 20 // providers cap payloads well below this
	maxAttempts     = 3
	deadLetterLimit = 100
)

// delivery is one verified, deduplicated webhook waiting to be processed
type delivery struct {
	Provider   string
	DeliveryID string
	AccountID  string
	Event      syncer.Event
	ReceivedAt time.Time
}

// DeadLetter is a delivery that exhausted its retries. The list is
// bounded and queryable through the status API so operators can see
// what was dropped.
type DeadLetter struct {
	Provider   string    `json:"provider"`
	DeliveryID string    `json:"delivery_id"`
	ExternalID string    `json:"external_id"`
	Error      string    `json:"error"`
	Attempts   int       `json:"attempts"`
	ReceivedAt time.Time `json:"received_at"`
	FailedAt   time.Time `json:"failed_at"`
}

// Server is the webhook gateway and status API
type Server struct {
	controller *syncer.Controller
	engine     *gin.Engine
	seen       *lru.Cache[string, struct{}]
	queue      chan delivery
	workers    int

	deadMu sync.Mutex
	dead   []DeadLetter
}

// NewServer builds the gateway. Webhook secrets come from the config
// table per provider (key webhook_secret_<provider>); a provider with no
// secret configured accepts unsigned deliveries.
func NewServer(controller *syncer.Controller, workers int) (*Server, error) {
	seen, err := lru.New[string, struct{}](dedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}
	if workers < 1 {
		workers = 2
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		controller: controller,
		engine:     gin.New(),
		seen:       seen,
		queue:      make(chan delivery, queueDepth),
		workers:    workers,
	}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.engine.POST("/webhooks/:provider", s.handleWebhook)

	api := s.engine.Group("/api")
	api.GET("/jobs", s.handleListJobs)
	api.GET("/jobs/:id", s.handleShowJob)
	api.GET("/deadletters", s.handleDeadLetters)
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// Run serves HTTP until ctx is cancelled, then drains the queue workers
func (s *Server) Run(ctx context.Context, addr string) error {
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Printf("gateway: listening on %s", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("gateway: shutdown: %v", err)
		}
		close(s.queue)
		wg.Wait()
		return nil
	case err := <-errCh:
		close(s.queue)
		wg.Wait()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway: %w", err)
	}
}

// handleWebhook verifies, deduplicates, resolves, and acks. The provider
// gets its 2xx before any sync work runs; failures after the ack are the
// queue's problem, not the provider's.
func (s *Server) handleWebhook(c *gin.Context) {
	providerName := c.Param("provider")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	if !s.verifySignature(providerName, c.Request, body) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	deliveryID := deliveryIDOf(c.Request)
	if deliveryID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing delivery id"})
		return
	}
	// Provider redeliveries reuse the delivery id; processing is
	// at-most-once per id within the cache window.
	if _, dup := s.seen.Get(deliveryID); dup {
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}
	s.seen.Add(deliveryID, struct{}{})

	accountID, ev, err := parseEvent(providerName, eventTypeOf(c.Request), body)
	if err != nil {
		if errors.Is(err, errIgnoredEvent) {
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ev.DeliveryID = deliveryID

	select {
	case s.queue <- delivery{
		Provider:   providerName,
		DeliveryID: deliveryID,
		AccountID:  accountID,
		Event:      ev,
		ReceivedAt: time.Now(),
	}:
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	default:
		// Queue full: refuse instead of blocking past the provider's
		// delivery timeout; the provider will redeliver.
		s.seen.Remove(deliveryID)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue full"})
	}
}

func (s *Server) handleListJobs(c *gin.Context) {
	jobs, err := db.ListJobs(c.Query("status"), 50, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) handleShowJob(c *gin.Context) {
	job, err := db.GetJobByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	progress, err := orchestrator.JobProgress(job.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job, "progress": progress})
}

func (s *Server) handleDeadLetters(c *gin.Context) {
	s.deadMu.Lock()
	letters := make([]DeadLetter, len(s.dead))
	copy(letters, s.dead)
	s.deadMu.Unlock()
	c.JSON(http.StatusOK, gin.H{"dead_letters": letters})
}

// worker drains the delivery queue
func (s *Server) worker(ctx context.Context) {
	for d := range s.queue {
		s.process(ctx, d)
	}
}

// process routes one delivery to its connection and applies it with
// bounded retry. Unroutable deliveries are dropped without retry; a
// misconfigured account with multiple matches is logged loudly because
// no amount of retrying fixes it.
func (s *Server) process(ctx context.Context, d delivery) {
	conn, err := s.resolveConnection(d.Provider, d.AccountID)
	if err != nil {
		if errors.Is(err, ErrMultipleConnectionsFound) {
			log.Printf("gateway: FATAL routing config: %v (provider=%s account=%s delivery=%s)",
				err, d.Provider, d.AccountID, d.DeliveryID)
			s.bury(d, err, 1)
			return
		}
		log.Printf("gateway: dropping delivery %s: %v", d.DeliveryID, err)
		return
	}

	attempts := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAttempts-1), ctx)
	err = backoff.Retry(func() error {
		attempts++
		if err := s.controller.HandleInbound(ctx, conn, d.Event); err != nil {
			if errors.Is(err, syncer.ErrNoActiveRule) || errors.Is(err, syncer.ErrConnectionNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}, policy)
	if err != nil {
		log.Printf("gateway: delivery %s failed after %d attempts: %v", d.DeliveryID, attempts, err)
		s.bury(d, err, attempts)
	}
}

func (s *Server) resolveConnection(providerName, accountID string) (*models.Connection, error) {
	conns, err := db.FindConnectionsByAccount(providerName, accountID)
	if err != nil {
		return nil, err
	}
	active := conns[:0]
	for i := range conns {
		if conns[i].IsActive() {
			active = append(active, conns[i])
		}
	}
	switch len(active) {
	case 0:
		return nil, fmt.Errorf("%w: %s/%s", ErrInstallationNotFound, providerName, accountID)
	case 1:
		return &active[0], nil
	default:
		return nil, fmt.Errorf("%w: %s/%s matches %d connections", ErrMultipleConnectionsFound, providerName, accountID, len(active))
	}
}

func (s *Server) bury(d delivery, cause error, attempts int) {
	s.deadMu.Lock()
	defer s.deadMu.Unlock()
	s.dead = append(s.dead, DeadLetter{
		Provider:   d.Provider,
		DeliveryID: d.DeliveryID,
		ExternalID: d.Event.ExternalID,
		Error:      cause.Error(),
		Attempts:   attempts,
		ReceivedAt: d.ReceivedAt,
		FailedAt:   time.Now(),
	})
	if len(s.dead) > deadLetterLimit {
		s.dead = s.dead[len(s.dead)-deadLetterLimit:]
	}
}

// verifySignature checks the HMAC-SHA256 body signature against the
// provider's configured secret. No secret configured means unsigned
// deliveries are accepted.
func (s *Server) verifySignature(providerName string, r *http.Request, body []byte) bool {
	secret, err := db.GetConfig("webhook_secret_" + providerName)
	if err != nil || secret == "" {
		return true
	}

	sig := r.Header.Get("X-Hub-Signature-256")
	if sig == "" {
		sig = r.Header.Get("X-Signature-256")
	}
	const prefix = "sha256="
	if len(sig) <= len(prefix) || sig[:len(prefix)] != prefix {
		return false
	}
	want, err := hex.DecodeString(sig[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return subtle.ConstantTimeCompare(mac.Sum(nil), want) == 1
}

func deliveryIDOf(r *http.Request) string {
	if id := r.Header.Get("X-GitHub-Delivery"); id != "" {
		return id
	}
	return r.Header.Get("X-Delivery-ID")
}

func eventTypeOf(r *http.Request) string {
	if t := r.Header.Get("X-GitHub-Event"); t != "" {
		return t
	}
	return r.Header.Get("X-Event-Type")
}
