// Package api exposes the HTTP surface: the gateway request endpoints, the
// ledger views, the websocket notification relay and the metrics endpoint.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"exchange-core/internal/creds"
	"exchange-core/internal/events"
	"exchange-core/internal/gateway"
	"exchange-core/internal/ledger"
	"exchange-core/internal/pool"
	"exchange-core/internal/reconcile"
	"exchange-core/pkg/rpc"
)

// Server wires HTTP endpoints around the gateway and ledger.
type Server struct {
	Router     *gin.Engine
	Bus        *events.Bus
	Gateway    *gateway.Gateway
	Store      *rpc.Store
	Book       *ledger.Book
	Pool       *pool.Pool
	Creds      *creds.Store
	Reconciler *reconcile.Service
	JWTSecret  string
}

// NewServer assembles the router with the full middleware stack.
func NewServer(bus *events.Bus, gw *gateway.Gateway, store *rpc.Store, book *ledger.Book,
	p *pool.Pool, credStore *creds.Store, rec *reconcile.Service, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(CORSMiddleware())

	s := &Server{
		Router:     r,
		Bus:        bus,
		Gateway:    gw,
		Store:      store,
		Book:       book,
		Pool:       p,
		Creds:      credStore,
		Reconciler: rec,
		JWTSecret:  jwtSecret,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	api.Use(AuthMiddleware(s.JWTSecret))
	{
		api.POST("/requests", s.submitRequest)
		api.POST("/requests/async", s.enqueueRequest)
		api.GET("/responses/:id", s.claimResponse)

		api.GET("/accounts/:id/positions", s.getPositions)
		api.GET("/accounts/:id/executions", s.getExecutions)
		api.POST("/accounts/:id/resync", s.resyncAccount)
		api.PUT("/accounts/:id/credential", s.putCredential)
		api.DELETE("/accounts/:id", s.deactivateAccount)

		api.GET("/pool", s.getPoolStats)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "pending": s.Store.Pending()})
}

// Start runs the HTTP server on addr.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
