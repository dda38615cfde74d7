package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/XANi/azen2prom/azen"
	"github.com/XANi/azen2prom/device"
	"github.com/XANi/azen2prom/history"
	"github.com/XANi/azen2prom/queue"
	"github.com/XANi/azen2prom/registry"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Source is the device the API reports on.
type Source interface {
	Serial() string
	Status() queue.Status
	Connection() queue.ConnectionInfo
	Topics() azen.Topics
	Diagnostics() device.Diagnostics
	Sensors() []registry.Snapshot
	Sensor(uniqueID string) (registry.Snapshot, bool)
}

// ReadingSource serves recorded history; optional.
type ReadingSource interface {
	Readings(uniqueID string, limit int) ([]history.Reading, error)
}

type Config struct {
	Logger     *zap.SugaredLogger
	ListenAddr string
	Source     Source
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
	History ReadingSource
	Hub     *Hub
}

type WebBackend struct {
	l      *zap.SugaredLogger
	al     *zap.SugaredLogger
	r      *gin.Engine
	srv    *http.Server
	cfg    Config
	hub    *Hub
	cancel context.CancelFunc
}

type apiError struct {
	Error string `json:"error"`
}

func New(cfg Config) (*WebBackend, error) {
	if cfg.Logger == nil {
		return nil, errors.New("missing logger")
	}
	if cfg.Source == nil {
		return nil, errors.New("missing source")
	}
	w := WebBackend{
		l:   cfg.Logger,
		al:  cfg.Logger.Named("access"),
		cfg: cfg,
		hub: cfg.Hub,
	}
	if w.hub == nil {
		w.hub = NewHub(cfg.Logger.Named("ws"))
	}
	if !cfg.Logger.Desugar().Core().Enabled(zap.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(ginzap.Ginzap(w.al.Desugar(), time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(w.al.Desugar(), true))
	w.r = r

	r.GET("/health", w.health)
	api := r.Group("/api")
	api.GET("/status", w.status)
	api.GET("/diagnostics", w.diagnostics)
	api.GET("/sensors", w.sensors)
	api.GET("/sensors/:id", w.sensor)
	api.GET("/sensors/:id/readings", w.readings)
	r.GET("/ws", w.websocket)
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics))
	}
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, apiError{Error: "not found"})
	})

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.hub.Run(ctx)
	return &w, nil
}

// Hub returns the websocket hub, for wiring device listeners.
func (b *WebBackend) Hub() *Hub {
	return b.hub
}

// Handler exposes the router, mostly for tests.
func (b *WebBackend) Handler() http.Handler {
	return b.r
}

// Run listens on ListenAddr until Shutdown. Returns nil after a clean
// shutdown.
func (b *WebBackend) Run() error {
	b.srv = &http.Server{
		Addr:              b.cfg.ListenAddr,
		Handler:           b.r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	b.l.Infof("listening on %s", b.cfg.ListenAddr)
	err := b.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (b *WebBackend) Shutdown(ctx context.Context) error {
	b.cancel()
	if b.srv == nil {
		return nil
	}
	return b.srv.Shutdown(ctx)
}

type statusResponse struct {
	Serial     string               `json:"serial"`
	Connection queue.ConnectionInfo `json:"connection"`
	Topics     azen.Topics          `json:"mqtt_topics"`
	Statistics queue.Status         `json:"mqtt_statistics"`
	Sensors    int                  `json:"sensors"`
}

func (b *WebBackend) health(c *gin.Context) {
	if !b.cfg.Source.Status().Connected {
		c.String(http.StatusServiceUnavailable, "disconnected")
		return
	}
	c.String(http.StatusOK, "ok")
}

func (b *WebBackend) status(c *gin.Context) {
	src := b.cfg.Source
	c.JSON(http.StatusOK, statusResponse{
		Serial:     src.Serial(),
		Connection: src.Connection(),
		Topics:     src.Topics(),
		Statistics: src.Status(),
		Sensors:    len(src.Sensors()),
	})
}

func (b *WebBackend) diagnostics(c *gin.Context) {
	c.JSON(http.StatusOK, b.cfg.Source.Diagnostics())
}

func (b *WebBackend) sensors(c *gin.Context) {
	c.JSON(http.StatusOK, b.cfg.Source.Sensors())
}

func (b *WebBackend) sensor(c *gin.Context) {
	s, ok := b.cfg.Source.Sensor(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, apiError{Error: "sensor not found"})
		return
	}
	c.JSON(http.StatusOK, s)
}

func (b *WebBackend) readings(c *gin.Context) {
	if b.cfg.History == nil {
		c.JSON(http.StatusNotFound, apiError{Error: "history disabled"})
		return
	}
	id := c.Param("id")
	if _, ok := b.cfg.Source.Sensor(id); !ok {
		c.JSON(http.StatusNotFound, apiError{Error: "sensor not found"})
		return
	}
	limit := 100
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 || n > 10000 {
			c.JSON(http.StatusBadRequest, apiError{Error: "limit must be between 1 and 10000"})
			return
		}
		limit = n
	}
	readings, err := b.cfg.History.Readings(id, limit)
	if err != nil {
		b.l.Errorf("error reading history of %s: %s", id, err)
		c.JSON(http.StatusInternalServerError, apiError{Error: "history unavailable"})
		return
	}
	if readings == nil {
		readings = []history.Reading{}
	}
	c.JSON(http.StatusOK, readings)
}

func (b *WebBackend) websocket(c *gin.Context) {
	src := b.cfg.Source
	b.hub.ServeWS(c.Writer, c.Request, Event{
		Type:   EventSnapshot,
		Serial: src.Serial(),
		Payload: map[string]any{
			"connected": src.Status().Connected,
			"sensors":   src.Sensors(),
		},
	})
}
