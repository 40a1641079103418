// Package admin serves the local HTTP control surface of a node. Handlers
// never touch session state directly; every request becomes a controller
// command answered on the reactor goroutine.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/peerctl/internal/identity"
	"github.com/danmuck/peerctl/internal/observability"
	"github.com/danmuck/peerctl/internal/reactor"
	"github.com/danmuck/peerctl/internal/service"
	"github.com/danmuck/peerctl/internal/storage"
)

const version = "0.1.0"

type Config struct {
	// Addr is left empty to disable the admin server.
	Addr        string
	CORSOrigins []string
	// Token, when set, is required as a bearer token on every route but
	// /health and /metrics.
	Token          string
	RequestTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:9471",
		RequestTimeout: 30 * time.Second,
	}
}

func (c Config) WithDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultConfig().RequestTimeout
	}
	return c
}

type Server struct {
	cfg       Config
	node      identity.NodeID
	commander service.Commander
	router    *gin.Engine
	started   time.Time
}

func New(cfg Config, node identity.NodeID, commander service.Commander) *Server {
	cfg = cfg.WithDefaults()
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(node.String()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:       cfg,
		node:      node,
		commander: commander,
		router:    r,
		started:   time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", strings.TrimSpace(s.cfg.Addr))
	if err != nil {
		return err
	}
	log.Info().Msgf("admin.Server.Run listening addr=%s", ln.Addr())
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Info().Msgf("admin.Server.Run shutdown")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) routes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"node":    s.node.String(),
			"version": version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	guarded := s.router.Group("/", requireToken(s.cfg.Token))

	guarded.GET("/peers", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
		defer cancel()
		reply, err := service.Peers(ctx, s.commander)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"peers": reply.Peers, "dials": reply.Dials})
	})

	guarded.POST("/fetch", func(c *gin.Context) {
		var req fetchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cmd, err := req.command()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
		defer cancel()
		res, err := service.Fetch(ctx, s.commander, cmd)
		if err != nil {
			log.Warn().Msgf("admin.Server.fetch repo=%s object=%s err=%v", cmd.Repo, cmd.Object, err)
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "result": res})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "result": res})
	})

	guarded.POST("/connect", func(c *gin.Context) {
		var req connectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		addr := strings.TrimSpace(req.Addr)
		if _, _, err := net.SplitHostPort(addr); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
		defer cancel()
		if err := service.Connect(ctx, s.commander, addr, req.Persistent); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "dialing", "addr": addr, "persistent": req.Persistent})
	})
}

type fetchRequest struct {
	Repo   string `json:"repo" binding:"required"`
	Object string `json:"object" binding:"required"`
	Since  string `json:"since"`
	Node   string `json:"node"`
}

func (r fetchRequest) command() (service.FetchCommand, error) {
	cmd := service.FetchCommand{
		Repo:   storage.RepoID(strings.TrimSpace(r.Repo)),
		Object: storage.ObjectID(strings.TrimSpace(r.Object)),
		Since:  storage.OpID(strings.TrimSpace(r.Since)),
	}
	if node := strings.TrimSpace(r.Node); node != "" {
		id, err := identity.ParseNodeID(node)
		if err != nil {
			return service.FetchCommand{}, err
		}
		cmd.Node = id
	}
	return cmd, nil
}

type connectRequest struct {
	Addr       string `json:"addr" binding:"required"`
	Persistent bool   `json:"persistent"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrNoProvider), errors.Is(err, service.ErrRemoteNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrRemoteDenied):
		return http.StatusForbidden
	case errors.Is(err, service.ErrRemoteBusy),
		errors.Is(err, service.ErrTooManyRequests),
		errors.Is(err, reactor.ErrCommandQueueFull),
		errors.Is(err, reactor.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
