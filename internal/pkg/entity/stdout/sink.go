// Package stdout provides the "stdout" sink, printing one payload per row.
package stdout

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/zpiroux/flowline/entity"
)

const EntityStdout = "stdout"

type Config struct {
	// AppendNewline adds a newline after each row. Default true.
	AppendNewline *bool `mapstructure:"append_newline"`
}

type SinkFactory struct {
	out io.Writer
}

// NewSinkFactory creates the stdout sink factory. If out is nil, os.Stdout is used.
func NewSinkFactory(out io.Writer) entity.SinkFactory {
	if out == nil {
		out = os.Stdout
	}
	return &SinkFactory{out: out}
}

func (sf *SinkFactory) SinkId() string {
	return EntityStdout
}

func (sf *SinkFactory) NewSink(ctx context.Context, c entity.Config) (entity.Sink, error) {
	var config Config
	if err := c.Decode(&config); err != nil {
		return nil, err
	}
	newline := config.AppendNewline == nil || *config.AppendNewline
	return &sink{out: sf.out, newline: newline}, nil
}

func (sf *SinkFactory) Close(ctx context.Context) error {
	return nil
}

// All stdout sinks of a process share the same output, so writes are serialized across
// sinks to keep each batch contiguous.
var outMutex sync.Mutex

type sink struct {
	out     io.Writer
	newline bool
}

func (s *sink) Connect(ctx context.Context) error {
	return nil
}

// Write prints the rows of the batch. Batches routed to the error output are preceded by
// a line with the routing details.
func (s *sink) Write(ctx context.Context, batch *entity.Batch) error {
	payloads, err := batch.Payloads()
	if err != nil {
		return err
	}

	outMutex.Lock()
	defer outMutex.Unlock()

	w := bufio.NewWriter(s.out)
	if msg, ok := batch.Meta(entity.MetaErrorMessage); ok {
		stage, _ := batch.Meta(entity.MetaErrorStage)
		stream, _ := batch.Meta(entity.MetaErrorStream)
		fmt.Fprintf(w, "# error in stream %s at %s: %s\n", stream, stage, msg)
	}
	for _, p := range payloads {
		_, _ = w.Write(p)
		if s.newline {
			_ = w.WriteByte('\n')
		}
	}
	return w.Flush()
}

func (s *sink) Close(ctx context.Context) error {
	return nil
}
