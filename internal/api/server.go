package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"orderbook_go/internal/domain"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const maxDepth = 1000

// BookReader exposes the latest views.
type BookReader interface {
	View(symbol string) (*domain.View, error)
}

// HealthReporter exposes the health of every feed.
type HealthReporter interface {
	Reports() []domain.HealthReport
}

// IncidentLister exposes stored health incidents.
type IncidentLister interface {
	ListIncidents(symbol string, limit int) ([]domain.Incident, error)
}

// Server is the read-only HTTP surface of the service.
type Server struct {
	router    *gin.Engine
	books     BookReader
	health    HealthReporter
	incidents IncidentLister
	logger    *slog.Logger
}

// NewServer wires the routes. incidents may be nil.
func NewServer(books BookReader, health HealthReporter, incidents IncidentLister, registry *prometheus.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:    gin.New(),
		books:     books,
		health:    health,
		incidents: incidents,
		logger:    logger.With(slog.String("module", "api")),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(s.requestLogger())

	s.router.GET("/healthz", s.liveness)
	s.router.GET("/readyz", s.readiness)
	if registry != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	v1 := s.router.Group("/v1")
	{
		v1.GET("/books/:symbol", s.getBook)
		v1.GET("/health", s.getHealth)
		v1.GET("/incidents", s.getIncidents)
	}
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
		)
	}
}

type levelJSON struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

type bookResponse struct {
	Symbol     string            `json:"symbol"`
	Status     domain.FeedStatus `json:"status"`
	Cursor     uint64            `json:"cursor"`
	Generation string            `json:"generation,omitempty"`
	BestBid    *levelJSON        `json:"best_bid,omitempty"`
	BestAsk    *levelJSON        `json:"best_ask,omitempty"`
	Spread     *decimal.Decimal  `json:"spread,omitempty"`
	Bids       []domain.Level    `json:"bids"`
	Asks       []domain.Level    `json:"asks"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

func (s *Server) getBook(c *gin.Context) {
	depth := 20
	if raw := c.Query("depth"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxDepth {
			c.JSON(http.StatusBadRequest, gin.H{"error": "depth must be between 1 and 1000"})
			return
		}
		depth = n
	}

	v, err := s.books.View(c.Param("symbol"))
	if err != nil {
		if errors.Is(err, domain.ErrUnknownSymbol) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if v == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no view published yet"})
		return
	}

	resp := bookResponse{
		Symbol:     v.Symbol,
		Status:     v.Status,
		Cursor:     v.Cursor,
		Generation: v.Generation,
		Bids:       nonNil(v.TopN(domain.SideBid, depth)),
		Asks:       nonNil(v.TopN(domain.SideAsk, depth)),
		UpdatedAt:  v.UpdatedAt,
	}
	if bid, ok := v.BestBid(); ok {
		resp.BestBid = &levelJSON{Price: bid.Price, Size: bid.Size}
	}
	if ask, ok := v.BestAsk(); ok {
		resp.BestAsk = &levelJSON{Price: ask.Price, Size: ask.Size}
	}
	if spread, ok := v.Spread(); ok {
		resp.Spread = &spread
	}
	c.JSON(http.StatusOK, resp)
}

func nonNil(levels []domain.Level) []domain.Level {
	if levels == nil {
		return []domain.Level{}
	}
	return levels
}

type healthJSON struct {
	Symbol            string            `json:"symbol"`
	Generation        string            `json:"generation"`
	Status            domain.FeedStatus `json:"status"`
	Connection        string            `json:"connection"`
	Engine            string            `json:"engine"`
	LastApplied       *time.Time        `json:"last_applied,omitempty"`
	StartedAt         time.Time         `json:"started_at"`
	ConsecutiveErrors uint64            `json:"consecutive_errors"`
	Restarts          uint64            `json:"restarts"`
}

func (s *Server) feedHealth() []healthJSON {
	reports := s.health.Reports()
	out := make([]healthJSON, 0, len(reports))
	for _, r := range reports {
		h := healthJSON{
			Symbol:            r.Symbol,
			Generation:        r.Generation,
			Status:            domain.DeriveStatus(r.Conn, r.Engine),
			Connection:        r.Conn.String(),
			Engine:            r.Engine.String(),
			StartedAt:         r.StartedAt,
			ConsecutiveErrors: r.ConsecutiveErrors,
			Restarts:          r.Restarts,
		}
		if !r.LastApplied.IsZero() {
			at := r.LastApplied
			h.LastApplied = &at
		}
		out = append(out, h)
	}
	return out
}

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"feeds": s.feedHealth()})
}

// liveness fails when any feed is degraded.
func (s *Server) liveness(c *gin.Context) {
	feeds := s.feedHealth()
	degraded := make([]string, 0)
	for _, f := range feeds {
		if f.Status == domain.StatusDegraded {
			degraded = append(degraded, f.Symbol)
		}
	}
	if len(degraded) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "degraded": degraded})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "feeds": len(feeds)})
}

// readiness passes once every feed serves a connected book.
func (s *Server) readiness(c *gin.Context) {
	for _, f := range s.feedHealth() {
		if f.Status != domain.StatusConnected {
			c.String(http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	c.String(http.StatusOK, "ready")
}

func (s *Server) getIncidents(c *gin.Context) {
	if s.incidents == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "incident storage disabled"})
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	list, err := s.incidents.ListIncidents(c.Query("symbol"), limit)
	if err != nil {
		s.logger.Error("Failed to list incidents", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list incidents"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"incidents": list})
}
