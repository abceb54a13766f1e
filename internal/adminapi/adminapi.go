// Package adminapi is the server's administrative HTTP surface, built the
// way the teacher's server/api.go builds its REST API: an echo.Echo with
// a consistent JSON error handler, running on its own address, shut down
// gracefully on context cancellation.
package adminapi

import (
	"context"
	"crypto/subtle"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusSource is the subset of server state the admin API reports on,
// kept as an interface so this package never imports dispatch directly.
type StatusSource interface {
	UserCount() int
	ChannelCount() int
	Uptime() time.Duration
}

// Rehasher reloads configuration from disk and swaps it into the live
// server, mirroring the REHASH command's effect but reachable over HTTP.
type Rehasher interface {
	RehashFromDisk() error
}

// Server is the admin HTTP surface: /healthz, /statusz, /metrics, and an
// oper-token-guarded POST /api/rehash.
type Server struct {
	echo   *echo.Echo
	status StatusSource
	reh    Rehasher
	token  string
}

// New constructs a Server and registers all routes. token authorizes
// POST /api/rehash; an empty token disables that route.
func New(status StatusSource, reh Rehasher, token string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[adminapi] %s %s %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &Server{echo: e, status: status, reh: reh, token: token}
	e.GET("/healthz", s.handleHealthz)
	e.GET("/statusz", s.handleStatusz)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.POST("/api/rehash", s.handleRehash)
	return s
}

// Run starts listening on addr and blocks until ctx is cancelled, then
// shuts down within a grace period.
func (s *Server) Run(ctx context.Context, addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Printf("[adminapi] server error: %v", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		log.Printf("[adminapi] shutdown: %v", err)
	}
}

type healthzResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, healthzResponse{Status: "ok"})
}

type statuszResponse struct {
	Users      int     `json:"users"`
	Channels   int     `json:"channels"`
	UptimeSecs float64 `json:"uptime_seconds"`
}

func (s *Server) handleStatusz(c echo.Context) error {
	return c.JSON(http.StatusOK, statuszResponse{
		Users:      s.status.UserCount(),
		Channels:   s.status.ChannelCount(),
		UptimeSecs: s.status.Uptime().Seconds(),
	})
}

func (s *Server) handleRehash(c echo.Context) error {
	if s.token == "" {
		return echo.NewHTTPError(http.StatusForbidden, "rehash endpoint disabled")
	}
	given := c.Request().Header.Get("X-Oper-Token")
	if subtle.ConstantTimeCompare([]byte(given), []byte(s.token)) != 1 {
		return echo.NewHTTPError(http.StatusUnauthorized, "bad oper token")
	}
	if err := s.reh.RehashFromDisk(); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// jsonErrorHandler gives every error response the same {"error": "..."}
// shape instead of Echo's default, which varies between text and JSON.
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if !c.Response().Committed {
		if c.Request().Method == http.MethodHead {
			c.NoContent(code) //nolint:errcheck
		} else {
			c.JSON(code, map[string]string{"error": msg}) //nolint:errcheck
		}
	}
}
