// Package xhttp provides the "http" source, an HTTP server turning each received request
// body into a batch, and the "http" sink posting batches to an HTTP endpoint.
package xhttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zpiroux/flowline/entity"
	"github.com/zpiroux/flowline/pkg/notify"
)

const (
	EntityHttp = "http"

	// Batch metadata keys set by the source
	MetaPath        = "http.path"
	MetaRemoteAddr  = "http.remote_addr"
	MetaContentType = "http.content_type"

	DefaultBufferSize      = 1024
	DefaultResponseTimeout = 30 * time.Second
	DefaultMaxBodySize     = 10 * 1024 * 1024
)

type SourceConfig struct {
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`

	// BufferSize is the number of requests queued for the stream's workers before new
	// requests block.
	BufferSize int `mapstructure:"buffer_size"`

	// ResponseTimeout bounds the time a request waits for its batch to be handled. On
	// timeout the client gets 504, but the batch may still be processed.
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`

	MaxBodySize int64 `mapstructure:"max_body_size"`
}

func (c *SourceConfig) validate() error {
	if c.Address == "" {
		return errors.New("address missing")
	}
	if c.Path == "" {
		c.Path = "/"
	}
	if c.Path[0] != '/' {
		c.Path = "/" + c.Path
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}
	return nil
}

type SourceFactory struct{}

func NewSourceFactory() entity.SourceFactory {
	gin.SetMode(gin.ReleaseMode)
	return &SourceFactory{}
}

func (sf *SourceFactory) SourceId() string {
	return EntityHttp
}

func (sf *SourceFactory) NewSource(ctx context.Context, c entity.Config) (entity.Source, error) {
	return newSource(c)
}

func (sf *SourceFactory) Close(ctx context.Context) error {
	return nil
}

// request is a received request waiting for its batch to be acked or nacked.
type request struct {
	batch  *entity.Batch
	status chan int
}

// source runs an HTTP server accepting POST requests on the configured path. The
// response to each request is sent when its batch has been handled: 200 if acked and 500
// if nacked.
type source struct {
	c        entity.Config
	config   SourceConfig
	notifier *notify.Notifier
	router   *gin.Engine
	requests chan request
	closed   chan struct{}

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

func newSource(c entity.Config) (*source, error) {
	var config SourceConfig
	if err := c.Decode(&config); err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, entity.ConfigErrorf("http: %v", err)
	}
	s := &source{
		c:        c,
		config:   config,
		requests: make(chan request, config.BufferSize),
		closed:   make(chan struct{}),
	}
	s.notifier = notify.New(c.NotifyChan, notify.NewLog(c.Log), 2, "xhttp.source", c.Instance, c.Stream)

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.POST(config.Path, s.handleRequest)
	return s, nil
}

// Connect starts the server unless already running.
func (s *source) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return entity.Retryable(fmt.Errorf("could not listen on %s: %w", s.config.Address, err))
	}
	s.listener = listener
	s.server = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}

	go func(server *http.Server) {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.notifier.Notify(entity.NotifyLevelError, "HTTP server stopped with error: %v", err)
		}
	}(s.server)

	s.notifier.Notify(entity.NotifyLevelInfo, "Listening on %s%s", listener.Addr(), s.config.Path)
	return nil
}

// Addr returns the address the server listens on, or an empty string if not connected.
func (s *source) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *source) handleRequest(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxBodySize))
	if err != nil {
		c.String(http.StatusRequestEntityTooLarge, "could not read body: %v", err)
		return
	}
	if len(body) == 0 {
		c.String(http.StatusBadRequest, "empty body")
		return
	}

	batch := entity.NewBinaryBatch([][]byte{body}).
		WithMeta(MetaPath, c.Request.URL.Path).
		WithMeta(MetaRemoteAddr, c.ClientIP())
	if ct := c.ContentType(); ct != "" {
		batch = batch.WithMeta(MetaContentType, ct)
	}
	req := request{batch: batch, status: make(chan int, 1)}

	timer := time.NewTimer(s.config.ResponseTimeout)
	defer timer.Stop()

	select {
	case s.requests <- req:
	case <-s.closed:
		c.Status(http.StatusServiceUnavailable)
		return
	case <-c.Request.Context().Done():
		return
	case <-timer.C:
		c.Status(http.StatusServiceUnavailable)
		return
	}

	select {
	case status := <-req.status:
		c.Status(status)
	case <-c.Request.Context().Done():
	case <-timer.C:
		c.Status(http.StatusGatewayTimeout)
	case <-s.closed:
		// The stream has drained, so the request was either handled or never fetched
		select {
		case status := <-req.status:
			c.Status(status)
		default:
			c.Status(http.StatusServiceUnavailable)
		}
	}
}

func (s *source) Fetch(ctx context.Context) (*entity.Batch, entity.Acknowledger, error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-s.closed:
		return nil, nil, entity.ErrEndOfInput
	case req := <-s.requests:
		if s.c.Ops.LogEventData {
			s.notifier.Notify(entity.NotifyLevelDebug, "Request received: %s", req.batch.Value(0, 0))
		}
		return req.batch, responder(req.status), nil
	}
}

// responder completes the waiting request. The status channel is buffered, so a request
// that has already timed out does not block the worker.
func responder(status chan int) entity.Acknowledger {
	return entity.AckFuncs{
		AckFunc: func(ctx context.Context) error {
			status <- http.StatusOK
			return nil
		},
		NackFunc: func(ctx context.Context, reason error) error {
			status <- http.StatusInternalServerError
			return nil
		},
	}
}

func (s *source) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return nil
	default:
		close(s.closed)
	}
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.server = nil
	s.notifier.Notify(entity.NotifyLevelInfo, "Server on %s stopped", s.config.Address)
	return err
}
