// Package httpapi is the HTTP face of the core: signal ingress, read-only
// views of the ledger and system state, signed operator commands and a
// websocket event stream.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"execcore/internal/events"
	"execcore/internal/guard"
	"execcore/internal/logger"
	"execcore/internal/risk"
	"execcore/internal/router"
	"execcore/internal/types"

	"github.com/gin-gonic/gin"
)

type SignalRouter interface {
	Route(ctx context.Context, sig types.Signal) router.Result
}

type SignalDecoder interface {
	Decode(body []byte) (types.Signal, error)
}

type SignatureVerifier interface {
	Verify(body []byte, signature string) error
}

type CommandVerifier interface {
	Verify(cmd guard.Command) error
}

type LedgerView interface {
	GetAllPositions() []types.Position
	GetIntent(signalID string) (types.Intent, bool)
	Trades(limit int) []types.TradeRecord
}

// History is the durable store behind the list endpoints. It is optional;
// without it trades come from the ledger's in-memory history.
type History interface {
	ListTrades(ctx context.Context, symbol string, limit int) ([]types.TradeRecord, error)
	ListSystemEvents(ctx context.Context, eventType string, limit int) ([]types.SystemEvent, error)
}

// Breaker is the circuit breaker surface operators drive.
type Breaker interface {
	State() (types.SystemState, risk.State)
	Reset(ctx context.Context, actor string) error
	SetArmed(ctx context.Context, actor string, armed bool) error
	Trip(ctx context.Context, actor, reason string)
}

type PhaseView interface {
	CurrentPhase() int
	Equity() float64
}

type EquityView interface {
	Get() (float64, bool)
	UpdatedAt() time.Time
}

type ReconcileView interface {
	Last() ([]types.Discrepancy, time.Time)
}

type Subscriber interface {
	Subscribe(buffer int, topics ...events.Topic) (<-chan events.Event, func())
}

// Deps are the collaborators the handlers need. Signature may be nil only
// when RequireSignature is false.
type Deps struct {
	Router    SignalRouter
	Decoder   SignalDecoder
	Signature SignatureVerifier
	Commands  CommandVerifier
	Ledger    LedgerView
	History   History
	Breaker   Breaker
	Phase     PhaseView
	Equity    EquityView
	Reconcile ReconcileView
	Bus       Subscriber
}

type ServerConfig struct {
	Addr             string
	RequireSignature bool
	MaxBodyBytes     int64
}

type Server struct {
	addr   string
	router *gin.Engine
}

func NewServer(cfg ServerConfig, deps Deps) (*Server, error) {
	if deps.Router == nil || deps.Decoder == nil || deps.Ledger == nil {
		return nil, errors.New("http server requires router, decoder and ledger")
	}
	if cfg.RequireSignature && deps.Signature == nil {
		return nil, errors.New("signature verification required but no verifier configured")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	h := &handlers{cfg: cfg, deps: deps}
	engine.GET("/healthz", h.healthz)
	api := engine.Group("/api")
	api.POST("/signals", h.postSignal)
	api.GET("/positions", h.listPositions)
	api.GET("/intents/:id", h.getIntent)
	api.GET("/trades", h.listTrades)
	api.GET("/system/state", h.systemState)
	api.GET("/system/events", h.listEvents)
	api.POST("/admin/command", h.adminCommand)
	if deps.Bus != nil {
		engine.GET("/ws/events", h.streamEvents)
	}
	return &Server{addr: cfg.Addr, router: engine}, nil
}

// Handler exposes the engine for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("http: listening on %s", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			path += "?" + q
		}
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", c.Request.Method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}
