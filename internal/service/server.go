package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zpiroux/flowline/entity"
)

const serverShutdownTimeout = 5 * time.Second

type healthResponse struct {
	Status  string                         `json:"status"`
	Streams map[string]entity.StreamStatus `json:"streams"`
}

// initServer sets up the router for /metrics and /health. /health responds with 503 if
// any stream has failed.
func (s *Service) initServer() {
	if s.config.MetricsAddress == "" {
		return
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{Registry: s.promRegistry})))
	router.GET("/health", s.handleHealth)
	s.server = &http.Server{
		Addr:              s.config.MetricsAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Service) handleHealth(c *gin.Context) {
	resp := healthResponse{Status: "ok", Streams: s.supervisor.Statuses()}
	code := http.StatusOK
	for _, status := range resp.Streams {
		if status == entity.StreamFailed {
			resp.Status = "failed"
			code = http.StatusServiceUnavailable
			break
		}
	}
	c.JSON(code, resp)
}

// startServer starts listening and returns a channel receiving the serve result when
// the server has stopped. A listen failure is logged and reported on the channel.
func (s *Service) startServer() <-chan error {
	result := make(chan error, 1)
	if s.server == nil {
		result <- nil
		return result
	}
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		log.Errorf("metrics server could not listen on %s: %v", s.server.Addr, err)
		result <- err
		return result
	}
	log.Infof("metrics server listening on %s", ln.Addr())
	go func() {
		err := s.server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		result <- err
	}()
	return result
}

func (s *Service) stopServer() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}
