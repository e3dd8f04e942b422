package file

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/zpiroux/flowline/entity"
	"github.com/zpiroux/flowline/pkg/notify"
)

type SourceConfig struct {
	Path        string `mapstructure:"path"`
	BatchSize   int    `mapstructure:"batch_size"`
	Compression string `mapstructure:"compression"`
}

type SourceFactory struct{}

func NewSourceFactory() entity.SourceFactory {
	return &SourceFactory{}
}

func (sf *SourceFactory) SourceId() string {
	return EntityFile
}

func (sf *SourceFactory) NewSource(ctx context.Context, c entity.Config) (entity.Source, error) {
	return newSource(c)
}

func (sf *SourceFactory) Close(ctx context.Context) error {
	return nil
}

// source reads a file line by line, emitting batch_size lines per batch. Empty lines are
// skipped. The file is read once; end of file is end of input.
type source struct {
	config      SourceConfig
	compression string
	notifier    *notify.Notifier

	mu      sync.Mutex
	file    *os.File
	reader  io.ReadCloser
	scanner *bufio.Scanner
	lines   int64
	done    bool
}

func newSource(c entity.Config) (*source, error) {
	var config SourceConfig
	if err := c.Decode(&config); err != nil {
		return nil, err
	}
	if config.Path == "" {
		return nil, entity.ConfigErrorf("file: path missing")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	comp, err := compression(config.Path, config.Compression)
	if err != nil {
		return nil, err
	}
	s := &source{config: config, compression: comp}
	s.notifier = notify.New(c.NotifyChan, notify.NewLog(c.Log), 2, "file.source", c.Instance, c.Stream)
	return s, nil
}

func (s *source) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		return nil
	}
	f, err := os.Open(s.config.Path)
	if err != nil {
		return fmt.Errorf("could not open input file: %w", err)
	}
	r, err := newReader(f, s.compression)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("could not read %s file %s: %w", s.compression, s.config.Path, err)
	}
	s.file = f
	s.reader = r
	s.scanner = bufio.NewScanner(r)
	s.scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	s.notifier.Notify(entity.NotifyLevelInfo, "Reading file %s (compression: %s)", s.config.Path, s.compression)
	return nil
}

func (s *source) Fetch(ctx context.Context) (*entity.Batch, entity.Acknowledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return nil, nil, entity.ErrEndOfInput
	}
	if s.scanner == nil {
		return nil, nil, errors.New("file source not connected")
	}

	var rows [][]byte
	for len(rows) < s.config.BatchSize && s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// Scanner reuses its buffer
		rows = append(rows, append([]byte(nil), line...))
	}
	if err := s.scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("error reading file %s: %w", s.config.Path, err)
	}
	if len(rows) < s.config.BatchSize {
		s.done = true
	}
	if len(rows) == 0 {
		return nil, nil, entity.ErrEndOfInput
	}
	s.lines += int64(len(rows))
	return entity.NewBinaryBatch(rows), nil, nil
}

func (s *source) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.done = true
	if s.file == nil {
		return nil
	}
	err := errors.Join(s.reader.Close(), s.file.Close())
	s.file = nil
	s.notifier.Notify(entity.NotifyLevelInfo, "Source closed, lines read: %d", s.lines)
	return err
}
