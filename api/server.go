// Package api exposes the engine over HTTP and streams its events over a websocket.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/Aidin1998/fxarena/internal/trading"
	"github.com/Aidin1998/fxarena/internal/trading/events"
)

// EventStream is the part of the event bus the websocket feed needs.
type EventStream interface {
	SubscribeChan(buffer int) (<-chan events.Event, func())
}

// Options configures the HTTP surface.
type Options struct {
	ServiceName    string
	AllowedOrigins []string
	// StreamBuffer bounds each websocket subscriber. Slow readers lose events.
	StreamBuffer int
}

// Server holds the HTTP server and its dependencies
type Server struct {
	logger   *zap.Logger
	engine   trading.TradingService
	stream   EventStream
	validate *validator.Validate
	upgrader websocket.Upgrader
	opts     Options
	router   *gin.Engine
}

// NewServer creates a new HTTP server with all routes registered.
// stream may be nil, in which case the websocket route is not mounted.
func NewServer(logger *zap.Logger, engine trading.TradingService, stream EventStream, opts Options) *Server {
	if opts.ServiceName == "" {
		opts.ServiceName = "fxarena-engine"
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = 64
	}
	s := &Server{
		logger:   logger,
		engine:   engine,
		stream:   stream,
		validate: validator.New(),
		opts:     opts,
	}
	s.validate.RegisterTagNameFunc(jsonFieldName)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = s.setupRouter()
	return s
}

func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(otelgin.Middleware(s.opts.ServiceName))

	corsCfg := cors.Config{
		AllowOrigins:     s.opts.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-Trace-ID"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if s.allowsAnyOrigin() {
		corsCfg.AllowOrigins = nil
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	}
	router.Use(cors.New(corsCfg))

	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/trade-queue/run", s.runTradeQueue)

		v1.POST("/orders/validate", s.validateOrder)
		v1.POST("/orders", s.placeOrder)
		v1.GET("/orders/:id", s.getOrder)
		v1.DELETE("/orders/:id", s.cancelOrder)

		v1.GET("/positions/:id", s.getPosition)
		v1.POST("/positions/:id/close", s.closePosition)

		v1.GET("/participants/:id/positions", s.openPositions)
		v1.GET("/participants/:id/margin", s.assessParticipant)
		v1.POST("/participants/:id/liquidation", s.requestLiquidation)

		v1.POST("/competitions/:id/end", s.endCompetition)

		v1.GET("/settings", s.getSettings)
		v1.PUT("/settings", s.updateSettings)

		if s.stream != nil {
			v1.GET("/events/ws", s.streamEvents)
		}
	}
	return router
}

// Router returns the gin router
func (s *Server) Router() *gin.Engine {
	return s.router
}

// HTTPServer wraps the router in an http.Server with the given timeouts.
func (s *Server) HTTPServer(addr string, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) allowsAnyOrigin() bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.allowsAnyOrigin() {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

// requestContext bounds handler work so a stuck feed cannot pin a request.
func requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), 30*time.Second)
}
