package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

const maxImageBytes = 32 << 20

type Status string

const (
	StatusStarting    Status = "STARTING"
	StatusReady       Status = "READY"
	StatusSetupFailed Status = "SETUP_FAILED"
)

// Predictor is the part of service.Predictor the server drives.
type Predictor interface {
	Predict(ctx context.Context, imagePath string) (string, error)
	Ready() bool
}

// Server hosts a predictor behind HTTP, one prediction at a time.
type Server struct {
	predictor Predictor
	token     string
	client    *http.Client
	pool      chan struct{}
	failed    atomic.Bool
}

func New(p Predictor, token string) *Server {
	s := &Server{
		predictor: p,
		token:     token,
		client:    &http.Client{Timeout: time.Minute},
		pool:      make(chan struct{}, 1),
	}
	s.pool <- struct{}{}
	return s
}

// SetupFailed marks the server as permanently unable to serve predictions.
func (s *Server) SetupFailed() {
	s.failed.Store(true)
}

func (s *Server) Status() Status {
	switch {
	case s.failed.Load():
		return StatusSetupFailed
	case s.predictor.Ready():
		return StatusReady
	default:
		return StatusStarting
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health-check", s.HealthHandler)
	r.GET("/health", s.HealthHandler)

	authed := r.Group("/", s.authMiddleware)
	authed.POST("/predictions", s.PredictionsHandler)
	authed.POST("/predict", s.PredictHandler)
	return r
}
