package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketrelay/config"
	"marketrelay/internal/metrics"
	"marketrelay/internal/registry"
	"marketrelay/logger"
)

// Server accepts downstream websocket clients and serves the health,
// metrics and subscription endpoints.
type Server struct {
	cfg       config.GatewayConfig
	registry  *registry.Registry
	collector *metrics.Collector
	log       *logger.Log
	upgrader  websocket.Upgrader

	metricHistory *metricHistory
	logHistory    *logHistory
	stopMetrics   func()

	httpServer *http.Server

	mu      sync.Mutex
	clients map[registry.ClientID]*client
	wg      sync.WaitGroup
}

// NewServer builds a gateway bound to reg. collector may be nil, in which
// case /metrics is not served.
func NewServer(cfg config.GatewayConfig, reg *registry.Registry, collector *metrics.Collector, log *logger.Log) *Server {
	if log == nil {
		log = logger.GetLogger()
	}
	cfg.Address = normalizeAddress(cfg.Address)

	s := &Server{
		cfg:       cfg,
		registry:  reg,
		collector: collector,
		log:       log,
		clients:   make(map[registry.ClientID]*client),

		metricHistory: newMetricHistory(historyLimit),
		logHistory:    newLogHistory(historyLimit),
	}
	s.stopMetrics = metrics.Observe(s.metricHistory.handle)
	log.AddHook(s.logHistory)

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails. Open client sessions are closed on shutdown.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithComponent("gateway").WithFields(logger.Fields{
			"address": s.cfg.Address,
		}).Info("gateway listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		s.closeClients()
		<-errCh
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case err := <-errCh:
		s.closeClients()
		return err
	}
}

// Close detaches the server from the metric bus and the logger. Run calls it
// on return.
func (s *Server) Close() {
	s.stopMetrics()
	s.logHistory.close()
}

// Handler returns the router without starting a listener.
func (s *Server) Handler() (http.Handler, error) {
	return s.buildRouter()
}

// Address reports the network address the gateway listens on.
func (s *Server) Address() string {
	return s.cfg.Address
}

// ClientCount returns the number of open sessions.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/ws", func(c *gin.Context) {
		s.serveWS(c.Writer, c.Request)
	})

	router.GET("/api/subscriptions", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.registry.Snapshot())
	})

	router.GET("/api/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"metrics": s.metricHistory.snapshot()})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logHistory.snapshot()})
	})

	if s.collector != nil {
		router.GET("/metrics", gin.WrapH(s.collector.Handler()))
	}

	return router, nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithComponent("gateway").WithError(err).Debug("websocket upgrade failed")
		return
	}

	c := newClient(registry.ClientID(uuid.NewString()), conn, s)

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.registry.Register(c)

	s.log.WithComponent("gateway").WithFields(logger.Fields{
		"client": c.id,
		"remote": r.RemoteAddr,
	}).Info("client connected")

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		c.readPump()
	}()
}

// forget removes all state held for c. It is safe to call more than once.
func (s *Server) forget(c *client) {
	s.registry.RemoveClient(c.id)

	s.mu.Lock()
	_, known := s.clients[c.id]
	delete(s.clients, c.id)
	s.mu.Unlock()

	if known {
		s.log.WithComponent("gateway").WithFields(logger.Fields{"client": c.id}).Info("client disconnected")
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	open := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		open = append(open, c)
	}
	s.mu.Unlock()

	for _, c := range open {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	s.wg.Wait()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
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

	if strings.HasPrefix(addr, ":") {
		return "0.0.0.0" + addr
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
