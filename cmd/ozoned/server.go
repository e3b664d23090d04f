package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/puzpuzpuz/xsync/v3"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"gorm.io/gorm"

	"github.com/bluesky-social/ozone/labels"
)

type Server struct {
	db     *gorm.DB
	seq    *labels.Sequencer
	logger *slog.Logger
	echo   *echo.Echo
	httpd  *http.Server

	outboxBuffer int

	// live subscribeLabels connections, closed on shutdown
	subs   *xsync.MapOf[uint64, *websocket.Conn]
	nextID atomic.Uint64
}

type ServerConfig struct {
	Bind         string
	OutboxBuffer int
	Logger       *slog.Logger
	// Registerer receives the HTTP request metrics. Defaults to the global
	// prometheus registry.
	Registerer prometheus.Registerer
}

func NewServer(db *gorm.DB, seq *labels.Sequencer, cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	e := echo.New()
	srv := &Server{
		db:           db,
		seq:          seq,
		logger:       logger.With("component", "server"),
		echo:         e,
		outboxBuffer: cfg.OutboxBuffer,
		subs:         xsync.NewMapOf[uint64, *websocket.Conn](),
	}
	srv.httpd = &http.Server{
		Handler:        e,
		Addr:           cfg.Bind,
		ReadTimeout:    time.Minute,
		MaxHeaderBytes: 1 << 20,
	}

	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("ozone"))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "ozone",
		Registerer: reg,
	}))
	e.HTTPErrorHandler = srv.errorHandler

	e.GET("/_health", srv.HandleHealthCheck)
	e.GET("/xrpc/com.atproto.label.subscribeLabels", srv.HandleSubscribeLabels)
	return srv
}

func (s *Server) Start() error {
	s.logger.Info("starting server", "bind", s.httpd.Addr)
	if err := s.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	// hijacked websocket connections are not tracked by http.Server
	s.subs.Range(func(id uint64, conn *websocket.Conn) bool {
		_ = conn.Close()
		return true
	})
	return s.httpd.Shutdown(ctx)
}

type GenericError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	var errorMessage string
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		errorMessage = fmt.Sprintf("%s", he.Message)
	}
	if code >= 500 {
		s.logger.Warn("ozone HTTP request error", "statusCode", code, "path", c.Path(), "err", err)
	}
	if !c.Response().Committed {
		_ = c.JSON(code, GenericError{Error: http.StatusText(code), Message: errorMessage})
	}
}

type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Message string `json:"msg,omitempty"`
}

func (s *Server) HandleHealthCheck(c echo.Context) error {
	if err := s.db.WithContext(c.Request().Context()).Exec("SELECT 1").Error; err != nil {
		s.logger.Error("health check: database", "err", err)
		return c.JSON(http.StatusServiceUnavailable, HealthStatus{Status: "error", Version: version(), Message: "can't connect to database"})
	}
	return c.JSON(http.StatusOK, HealthStatus{Status: "ok", Version: version()})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 10,
	WriteBufferSize: 1 << 10,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *Server) HandleSubscribeLabels(c echo.Context) error {
	var cursor *int64
	if raw := c.QueryParam("cursor"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "cursor must be a non-negative integer")
		}
		cursor = &v
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrading websocket: %w", err)
	}
	defer conn.Close()

	id := s.nextID.Add(1)
	s.subs.Store(id, conn)
	defer s.subs.Delete(id)
	subscribers.Inc()
	defer subscribers.Dec()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	// the client never sends data frames; a read error means it went away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	log := s.logger.With("remote", c.RealIP(), "subscriber", id)
	log.Info("label subscriber connected", "cursor", cursor)

	if cursor != nil {
		earliest, err := s.seq.EarliestSeq(ctx)
		if err != nil {
			return err
		}
		if earliest > 0 && *cursor < earliest-1 {
			if err := s.writeInfo(conn, labels.InfoOutdatedCursor, "Requested cursor exceeded limit. Possibly missing events"); err != nil {
				return nil
			}
		}
	}

	sent := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "subscriber_frames_sent",
	})
	outbox := labels.NewOutbox(s.seq, s.outboxBuffer)
	err = outbox.Events(ctx, cursor, func(evt *labels.Event) error {
		b, err := evt.Frame()
		if err != nil {
			return err
		}
		framesSent.Inc()
		sent.Inc()
		return conn.WriteMessage(websocket.BinaryMessage, b)
	})

	switch {
	case errors.Is(err, labels.ErrConsumerTooSlow):
		log.Warn("dropping slow label subscriber")
		s.writeError(conn, "ConsumerTooSlow", "Stream consumer too slow")
	case errors.Is(err, labels.ErrFutureCursor):
		s.writeError(conn, "FutureCursor", "Cursor in the future.")
	case err != nil && ctx.Err() == nil:
		log.Warn("label stream ended", "err", err)
	}
	var m = &dto.Metric{}
	if err := sent.Write(m); err != nil {
		log.Error("failed to read sent counter", "err", err)
	}
	log.Info("label subscriber disconnected", "frames_sent", m.GetCounter().GetValue())
	return nil
}

func (s *Server) writeInfo(conn *websocket.Conn, name, message string) error {
	b, err := labels.InfoFrame(name, message)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, b)
}

func (s *Server) writeError(conn *websocket.Conn, name, message string) {
	b, err := labels.ErrorFrame(name, message)
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.BinaryMessage, b)
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
