// Package dashboard serves a small JSON status API over the running venues:
// connection state, synced order books, recent warnings and host resources.
package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"cryptostream/config"
	"cryptostream/logger"
	"cryptostream/orderbook"
	"cryptostream/stream"
)

// BookSource is the read side of a venue exchange.
type BookSource interface {
	OrderBook(symbol string) (orderbook.View, bool)
	State() stream.ConnState
}

type venueEntry struct {
	source  BookSource
	symbols []string
}

// Server hosts the status API.
type Server struct {
	cfg             config.DashboardConfig
	log             *logger.Log
	logStore        *logStore
	resourceSampler *resourceSampler
	httpServer      *http.Server

	mu     sync.RWMutex
	venues map[string]venueEntry
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg config.DashboardConfig, log *logger.Log) *Server {
	if !cfg.Enabled {
		return nil
	}
	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:             cfg,
		log:             log,
		logStore:        logStore,
		resourceSampler: newResourceSampler(cfg.ResourceHistory, cfg.SampleInterval, "/", log),
		venues:          make(map[string]venueEntry),
	}
}

// AddVenue exposes the books of symbols on src under name.
func (s *Server) AddVenue(name string, src BookSource, symbols []string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.venues[name] = venueEntry{source: src, symbols: append([]string(nil), symbols...)}
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	s.resourceSampler.start(ctx)
	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.buildRouter(appName),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("dashboard listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	s.logStore.close()
	s.resourceSampler.stop()
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

type bookSummary struct {
	Symbol  string `json:"symbol"`
	Synced  bool   `json:"synced"`
	Nonce   int64  `json:"nonce"`
	BestBid string `json:"best_bid,omitempty"`
	BestAsk string `json:"best_ask,omitempty"`
	Crossed bool   `json:"crossed,omitempty"`
}

func summarize(symbol string, view orderbook.View, synced bool) bookSummary {
	out := bookSummary{Symbol: symbol, Synced: synced}
	if !synced {
		return out
	}
	out.Nonce = view.Nonce
	out.Crossed = view.Crossed()
	if bid, ok := view.BestBid(); ok {
		out.BestBid = bid.Price.String()
	}
	if ask, ok := view.BestAsk(); ok {
		out.BestAsk = ask.Price.String()
	}
	return out
}

func (s *Server) venue(name string) (venueEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.venues[name]
	return v, ok
}

func (s *Server) buildRouter(appName string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "app": appName})
	})

	router.GET("/api/venues", func(c *gin.Context) {
		s.mu.RLock()
		names := make([]string, 0, len(s.venues))
		for name := range s.venues {
			names = append(names, name)
		}
		s.mu.RUnlock()
		sort.Strings(names)

		payload := make([]gin.H, 0, len(names))
		for _, name := range names {
			v, _ := s.venue(name)
			books := make([]bookSummary, 0, len(v.symbols))
			for _, symbol := range v.symbols {
				view, synced := v.source.OrderBook(symbol)
				books = append(books, summarize(symbol, view, synced))
			}
			payload = append(payload, gin.H{
				"venue": name,
				"state": v.source.State().String(),
				"books": books,
			})
		}
		c.JSON(http.StatusOK, gin.H{"venues": payload})
	})

	router.GET("/api/books/:venue", func(c *gin.Context) {
		v, ok := s.venue(c.Param("venue"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown venue"})
			return
		}
		symbol := strings.TrimSpace(c.Query("symbol"))
		if symbol == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
			return
		}
		depth := 0
		if raw := c.Query("depth"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "depth must be a non-negative integer"})
				return
			}
			depth = n
		}
		view, synced := v.source.OrderBook(symbol)
		if !synced {
			c.JSON(http.StatusServiceUnavailable, gin.H{"symbol": symbol, "synced": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"synced": true, "book": view.Limit(depth)})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.snapshot()})
	})

	return router
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil && parsed.Host != "" {
			addr = parsed.Host
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}
	return net.JoinHostPort(addr, "8080")
}
