// Package file provides the "file" source and sink, reading and writing one payload per
// line, optionally compressed with gzip or zstd.
package file

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/zpiroux/flowline/entity"
)

const (
	EntityFile = "file"

	DefaultBatchSize = 100
	maxLineSize      = 10 * 1024 * 1024
	CompressionNone  = "none"
	CompressionGzip  = "gzip"
	CompressionZstd  = "zstd"
)

// compression returns the configured compression, or the one implied by the file extension.
func compression(path, configured string) (string, error) {
	switch strings.ToLower(configured) {
	case CompressionNone, CompressionGzip, CompressionZstd:
		return strings.ToLower(configured), nil
	case "":
	default:
		return "", entity.ConfigErrorf("file: unsupported compression: %s", configured)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz", ".gzip":
		return CompressionGzip, nil
	case ".zst", ".zstd":
		return CompressionZstd, nil
	}
	return CompressionNone, nil
}

func newReader(r io.Reader, compression string) (io.ReadCloser, error) {
	switch compression {
	case CompressionGzip:
		return gzip.NewReader(r)
	case CompressionZstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	}
	return io.NopCloser(r), nil
}

// flushWriteCloser is a compressing writer able to flush complete frames/blocks.
type flushWriteCloser interface {
	io.WriteCloser
	Flush() error
}

type plainWriter struct {
	io.Writer
}

func (plainWriter) Flush() error { return nil }
func (plainWriter) Close() error { return nil }

func newWriter(w io.Writer, compression string) (flushWriteCloser, error) {
	switch compression {
	case CompressionGzip:
		return gzip.NewWriter(w), nil
	case CompressionZstd:
		e, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("could not create zstd encoder: %w", err)
		}
		return e, nil
	}
	return plainWriter{Writer: w}, nil
}
