package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
)

// Server owns the HTTP listener so shutdown can drain in-flight
// requests instead of dropping them.
type Server struct {
	log  *logger.Logger
	http *http.Server
}

func New(baseLog *logger.Logger, engine *gin.Engine, port string) *Server {
	return &Server{
		log: baseLog.With("component", "Server"),
		http: &http.Server{
			Addr:              ":" + port,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start blocks until the listener stops. A clean Shutdown returns nil.
func (s *Server) Start() error {
	s.log.Info("http server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("http server draining")
	return s.http.Shutdown(ctx)
}
