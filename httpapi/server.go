// Package httpapi is the HTTP front door of the settlement core: the
// execute endpoint that gates blink invocation behind payment, the receipt
// read path, and the operator lock-administration surface.
package httpapi

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	blinkpay "github.com/blinkbazaar/blinkpay"
)

// Server wires the settlement core into gin routes.
type Server struct {
	settler  *blinkpay.Settler
	blinks   blinkpay.BlinkStore
	receipts *blinkpay.ReceiptService
	locks    blinkpay.LockManager
	logger   *slog.Logger

	adminToken string
}

// Option configures the server.
type Option func(*Server)

// WithLockAdmin exposes the lock inspection/clear endpoints, guarded by the
// given bearer token.
func WithLockAdmin(locks blinkpay.LockManager, token string) Option {
	return func(s *Server) {
		s.locks = locks
		s.adminToken = token
	}
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates the front door.
func NewServer(settler *blinkpay.Settler, blinks blinkpay.BlinkStore, receipts *blinkpay.ReceiptService, opts ...Option) *Server {
	s := &Server{
		settler:  settler,
		blinks:   blinks,
		receipts: receipts,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	{
		v1.POST("/blinks/:slug/execute", s.handleExecute)
		v1.GET("/receipts/:runId", s.handleGetReceipt)
	}

	if s.locks != nil {
		admin := v1.Group("/admin", s.requireAdmin())
		{
			admin.GET("/locks", s.handleListLocks)
			admin.DELETE("/locks/:reference", s.handleClearLock)
			admin.DELETE("/locks", s.handleClearAllLocks)
		}
	}

	return r
}
