package file

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/zpiroux/flowline/entity"
	"github.com/zpiroux/flowline/pkg/notify"
)

type SinkConfig struct {
	Path string `mapstructure:"path"`

	// Append to an existing file. If false the file is truncated on connect.
	// Default true.
	Append *bool `mapstructure:"append"`

	Compression string `mapstructure:"compression"`
}

type SinkFactory struct{}

func NewSinkFactory() entity.SinkFactory {
	return &SinkFactory{}
}

func (sf *SinkFactory) SinkId() string {
	return EntityFile
}

func (sf *SinkFactory) NewSink(ctx context.Context, c entity.Config) (entity.Sink, error) {
	return newSink(c)
}

func (sf *SinkFactory) Close(ctx context.Context) error {
	return nil
}

// sink writes one line per batch row. Each write is flushed to the file, so that written
// batches survive a crash (for compressed files, up to the last completed block).
type sink struct {
	config      SinkConfig
	compression string
	notifier    *notify.Notifier
	logData     bool

	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	writer flushWriteCloser
	rows   int64
}

func newSink(c entity.Config) (*sink, error) {
	var config SinkConfig
	if err := c.Decode(&config); err != nil {
		return nil, err
	}
	if config.Path == "" {
		return nil, entity.ConfigErrorf("file: path missing")
	}
	comp, err := compression(config.Path, config.Compression)
	if err != nil {
		return nil, err
	}
	s := &sink{config: config, compression: comp, logData: c.Ops.LogEventData}
	s.notifier = notify.New(c.NotifyChan, notify.NewLog(c.Log), 2, "file.sink", c.Instance, c.Stream)
	return s, nil
}

func (s *sink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		return nil
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if s.config.Append != nil && !*s.config.Append {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(s.config.Path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("could not open output file: %w", err)
	}
	s.file = f
	s.buf = bufio.NewWriter(f)
	if s.writer, err = newWriter(s.buf, s.compression); err != nil {
		_ = f.Close()
		s.file = nil
		return err
	}
	s.notifier.Notify(entity.NotifyLevelInfo, "Writing to file %s (compression: %s)", s.config.Path, s.compression)
	return nil
}

func (s *sink) Write(ctx context.Context, batch *entity.Batch) error {
	payloads, err := batch.Payloads()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return errors.New("file sink not connected")
	}
	for _, p := range payloads {
		if _, err = s.writer.Write(p); err == nil {
			_, err = s.writer.Write([]byte{'\n'})
		}
		if err != nil {
			return entity.Retryable(fmt.Errorf("error writing to %s: %w", s.config.Path, err))
		}
	}
	if err = s.writer.Flush(); err == nil {
		err = s.buf.Flush()
	}
	if err != nil {
		return entity.Retryable(fmt.Errorf("error flushing %s: %w", s.config.Path, err))
	}
	s.rows += int64(len(payloads))
	if s.logData {
		s.notifier.Notify(entity.NotifyLevelDebug, "Wrote %d rows to %s", len(payloads), s.config.Path)
	}
	return nil
}

func (s *sink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := errors.Join(s.writer.Close(), s.buf.Flush(), s.file.Close())
	s.file = nil
	s.notifier.Notify(entity.NotifyLevelInfo, "Sink closed, rows written: %d", s.rows)
	return err
}
