package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/modfin/bulletin/internal/dao"
	"github.com/modfin/bulletin/internal/idempotency"
	"github.com/modfin/bulletin/internal/metrics"
	"github.com/modfin/bulletin/tools"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

type Config struct {
	Port int

	MetricsUser string
	MetricsPass string
}

func New(cfg Config, db dao.DAO, idem *idempotency.Idempotency, lc *tools.Logger) *Server {
	return &Server{
		cfg:  cfg,
		db:   db,
		idem: idem,
		log:  lc.New("api"),
	}
}

type Server struct {
	cfg  Config
	db   dao.DAO
	idem *idempotency.Idempotency
	log  *logrus.Logger

	e *echo.Echo
}

var promOnce sync.Once
var prom *prometheus.Prometheus

func (s *Server) router() *echo.Echo {

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// The middleware registers its collectors with the default registry, so
	// it is created once per process.
	promOnce.Do(func() {
		prom = prometheus.NewPrometheus("bulletin", nil)
	})
	e.Use(middleware.Recover(), prom.HandlerFunc)

	e.GET("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, "pong")
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler(s.cfg.MetricsUser, s.cfg.MetricsPass, s.log)))

	admin := e.Group("/admin", s.auth)
	admin.POST("/newsletters", s.idem.Wrap(s.publish))
	admin.GET("/newsletters/:id/dead-letters", s.deadLetters)

	return e
}

func (s *Server) Start() {

	s.e = s.router()

	go func() {
		s.log.Infof("Starting api server on :%d", s.cfg.Port)
		err := s.e.Start(fmt.Sprintf(":%d", s.cfg.Port))
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("api server stopped")
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.e == nil {
		return nil
	}
	return s.e.Shutdown(ctx)
}

// auth checks basic auth credentials against the admin key table and puts the
// resolved user id on the context. That user id scopes idempotency keys.
func (s *Server) auth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		keyId, secret, ok := c.Request().BasicAuth()
		if !ok {
			return echo.NewHTTPError(http.StatusUnauthorized, "no authentication was provided or wrong format")
		}
		key, err := s.db.GetAdminKey(keyId)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "unknown admin key")
		}
		err = bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret))
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid admin key secret")
		}
		c.Set("user_id", key.UserId)
		return next(c)
	}
}
