package xhttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/zpiroux/flowline/entity"
	"github.com/zpiroux/flowline/pkg/notify"
)

// Body formats of the http sink
const (
	// BodyRow sends one request per row
	BodyRow = "row"

	// BodyJSONArray sends one request per batch, with the rows as a JSON array
	BodyJSONArray = "json_array"

	// BodyLines sends one request per batch, with one row per line
	BodyLines = "lines"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultRetryCount   = 3
	DefaultRetryWaitMin = 100 * time.Millisecond
	DefaultRetryWaitMax = 10 * time.Second

	// MetaHeaderPrefix is prepended to batch metadata keys sent as request headers
	MetaHeaderPrefix = "X-Flowline-"
)

type SinkConfig struct {
	URL     string            `mapstructure:"url"`
	Method  string            `mapstructure:"method"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Body    string            `mapstructure:"body"`

	// RetryCount is the number of retries done by the client on connection errors and
	// 5xx/429 responses, with exponential backoff from RetryWaitMin up to RetryWaitMax.
	// Negative values disable retries.
	RetryCount   *int          `mapstructure:"retry_count"`
	RetryWaitMin time.Duration `mapstructure:"retry_wait_min"`
	RetryWaitMax time.Duration `mapstructure:"retry_wait_max"`
}

func (c *SinkConfig) validate() error {
	if c.URL == "" {
		return errors.New("url missing")
	}
	c.Method = strings.ToUpper(c.Method)
	switch c.Method {
	case "":
		c.Method = http.MethodPost
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return fmt.Errorf("unsupported method: %s", c.Method)
	}
	switch c.Body {
	case "":
		c.Body = BodyRow
	case BodyRow, BodyJSONArray, BodyLines:
	default:
		return fmt.Errorf("invalid body format %q, must be one of %s, %s or %s", c.Body, BodyRow, BodyJSONArray, BodyLines)
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RetryCount == nil {
		retries := DefaultRetryCount
		c.RetryCount = &retries
	}
	if *c.RetryCount < 0 {
		*c.RetryCount = 0
	}
	if c.RetryWaitMin <= 0 {
		c.RetryWaitMin = DefaultRetryWaitMin
	}
	if c.RetryWaitMax < c.RetryWaitMin {
		c.RetryWaitMax = max(DefaultRetryWaitMax, c.RetryWaitMin)
	}
	return nil
}

func (c *SinkConfig) contentType() string {
	if c.Body == BodyLines {
		return "application/x-ndjson"
	}
	return "application/json"
}

type SinkFactory struct{}

func NewSinkFactory() entity.SinkFactory {
	return &SinkFactory{}
}

func (sf *SinkFactory) SinkId() string {
	return EntityHttp
}

func (sf *SinkFactory) NewSink(ctx context.Context, c entity.Config) (entity.Sink, error) {
	return newSink(c)
}

func (sf *SinkFactory) Close(ctx context.Context) error {
	return nil
}

type sink struct {
	c        entity.Config
	config   SinkConfig
	client   *retryablehttp.Client
	notifier *notify.Notifier
}

func newSink(c entity.Config) (*sink, error) {
	var config SinkConfig
	if err := c.Decode(&config); err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, entity.ConfigErrorf("http: %v", err)
	}
	s := &sink{c: c, config: config}
	s.notifier = notify.New(c.NotifyChan, notify.NewLog(c.Log), 2, "xhttp.sink", c.Instance, c.Stream)
	return s, nil
}

func (s *sink) Connect(ctx context.Context) error {
	client := retryablehttp.NewClient()
	client.RetryMax = *s.config.RetryCount
	client.RetryWaitMin = s.config.RetryWaitMin
	client.RetryWaitMax = s.config.RetryWaitMax
	client.HTTPClient.Timeout = s.config.Timeout
	client.Logger = nil
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			s.notifier.Notify(entity.NotifyLevelDebug, "Retrying %s %s, attempt %d", req.Method, req.URL, attempt)
		}
	}
	// Give up returning the last response, so its status decides retryability
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	s.client = client
	return nil
}

func (s *sink) Write(ctx context.Context, batch *entity.Batch) error {
	if s.client == nil {
		return errors.New("http sink not connected")
	}
	payloads, err := batch.Payloads()
	if err != nil {
		return err
	}
	headers := s.headers(batch)

	switch s.config.Body {
	case BodyJSONArray:
		return s.send(ctx, jsonArray(payloads), headers)
	case BodyLines:
		return s.send(ctx, lines(payloads), headers)
	}
	for i, p := range payloads {
		if err = s.send(ctx, p, headers); err != nil {
			return fmt.Errorf("row %d of %d: %w", i, len(payloads), err)
		}
	}
	return nil
}

func (s *sink) send(ctx context.Context, body []byte, headers http.Header) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, s.config.Method, s.config.URL, body)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header[k] = v
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return entity.Retryable(fmt.Errorf("%s %s failed: %w", s.config.Method, s.config.URL, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("%s %s returned %s: %s", s.config.Method, s.config.URL, resp.Status, bytes.TrimSpace(msg))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return entity.Retryable(err)
	}
	return err
}

// headers merges configured headers with batch metadata, e.g. error routing details,
// given as X-Flowline-<key> headers.
func (s *sink) headers(batch *entity.Batch) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", s.config.contentType())
	meta := batch.Metadata()
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Set(MetaHeaderPrefix+headerName(k), meta[k])
	}
	for k, v := range s.config.Headers {
		h.Set(k, v)
	}
	return h
}

// headerName turns a metadata key like "error.stage_index" into "Error-Stage-Index".
func headerName(key string) string {
	return strings.NewReplacer(".", "-", "_", "-").Replace(key)
}

func jsonArray(payloads [][]byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, p := range payloads {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(p)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

func lines(payloads [][]byte) []byte {
	var buf bytes.Buffer
	for _, p := range payloads {
		buf.Write(p)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func (s *sink) Close(ctx context.Context) error {
	if s.client != nil {
		s.client.HTTPClient.CloseIdleConnections()
	}
	return nil
}
