package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/flashd/internal/auth"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// StatusSource exposes the read-only daemon state served on /status.
type StatusSource interface {
	Busy() bool
}

// VariableSource lists published getvar values.
type VariableSource interface {
	Names() []string
	Lookup(name string) (string, bool)
}

// Server is the optional metrics and status HTTP endpoint. It only reads
// daemon state.
type Server struct {
	addr    string
	router  *gin.Engine
	started time.Time
}

// NewServer builds the router. A non-nil guard requires a bearer token on
// every route except /health.
func NewServer(addr string, corsOrigins []string, guard auth.Validator, m *Metrics, status StatusSource, vars VariableSource) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log.Logger))
	r.Use(m.RequestMetrics())
	if len(corsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: corsOrigins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{addr: addr, router: r, started: time.Now()}
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "uptime": time.Since(s.started).String()})
	})
	api := r.Group("/")
	if guard != nil {
		api.Use(auth.Require(guard))
	}
	api.GET("/status", func(c *gin.Context) {
		out := gin.H{"busy": status != nil && status.Busy()}
		if vars != nil {
			values := make(map[string]string)
			for _, name := range vars.Names() {
				values[name], _ = vars.Lookup(name)
			}
			out["variables"] = values
		}
		c.JSON(http.StatusOK, out)
	})
	api.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("component", "observability").Str("addr", s.addr).Msg("status server listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
