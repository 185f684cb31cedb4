package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed static
var staticFS embed.FS

// DefaultPort is the default web console port.
const DefaultPort = 2626

// maxPortRetries is the number of ports to try before giving up.
const maxPortRetries = 10

// Options wires the console to the engine.
type Options struct {
	Engine    Engine
	Hub       *EventHub
	Lifecycle Lifecycle
	Gatherer  prometheus.Gatherer // nil serves the default registry
	Port      int
}

// Server is the local console HTTP server.
type Server struct {
	engine    Engine
	hub       *EventHub
	lifecycle Lifecycle
	router    *gin.Engine
	httpSrv   *http.Server
}

// New creates a console server. The port option sets the starting port (0 means DefaultPort).
func New(opts Options) *Server {
	port := opts.Port
	if port <= 0 {
		port = DefaultPort
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewEventHub()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		engine:    opts.Engine,
		hub:       hub,
		lifecycle: opts.Lifecycle,
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	r.GET("/", s.handleIndex)
	r.GET("/health", s.handleHealth)
	r.GET("/state", s.handleState)
	r.GET("/history", s.handleHistory)
	r.GET("/upgrades", s.handleUpgrades)
	r.GET("/events", s.handleSSE)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	r.POST("/mine", s.handleMine)
	r.POST("/boost", s.handleBoost)
	r.POST("/auto/enable", s.handleAutoEnable)
	r.POST("/auto/disable", s.handleAutoDisable)
	r.POST("/upgrades/:id/purchase", s.handlePurchase)
	r.POST("/refresh", s.handleRefresh)
	r.POST("/lifecycle/:signal", s.handleLifecycle)
	s.router = r

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the event hub the console streams from.
func (s *Server) Hub() *EventHub { return s.hub }

// Start begins listening on the configured address. Non-blocking.
// If the port is already in use, it tries consecutive ports up to maxPortRetries.
// If pinned is true (user specified --port explicitly), no auto-increment is attempted.
// Returns the actual port the server is listening on.
func (s *Server) Start(pinned bool) (int, error) {
	_, portStr, _ := net.SplitHostPort(s.httpSrv.Addr)
	port, _ := strconv.Atoi(portStr)

	tries := maxPortRetries
	if pinned {
		tries = 1
	}
	var lastErr error
	for i := range tries {
		addr := fmt.Sprintf("127.0.0.1:%d", port+i)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		s.httpSrv.Addr = addr
		go func() {
			if err := s.httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				slog.Error("web console error", "error", err)
			}
		}()
		return port + i, nil
	}

	if pinned {
		return 0, fmt.Errorf("web console port %d: %w", port, lastErr)
	}
	return 0, fmt.Errorf("web console: no available port in range %d-%d", port, port+maxPortRetries-1)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleIndex(c *gin.Context) {
	data, _ := staticFS.ReadFile("static/index.html")
	c.Data(http.StatusOK, "text/html; charset=utf-8", data)
}

func (s *Server) handleHealth(c *gin.Context) {
	v := s.engine.View()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "session": v.UserID != ""})
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.View())
}

func (s *Server) handleHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"history": s.engine.History()})
}

func (s *Server) handleUpgrades(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"upgrades": s.engine.Upgrades()})
}

func (s *Server) handleSSE(c *gin.Context) {
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	evts, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-evts:
			data, _ := json.Marshal(e)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush()
		}
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/events" {
			return
		}
		slog.Debug("console request", "method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "elapsed", time.Since(start))
	}
}
