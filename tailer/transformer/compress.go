package transformer

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/maxpert/oplogtail/tailer"
)

const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

// Compressed wraps a transformer and compresses its output. Sinks that
// support headers announce the codec (see ContentEncoding).
type Compressed struct {
	inner    tailer.Transformer
	encoding string
	compress func([]byte) ([]byte, error)
}

// WithCompression wraps t according to compression. "" and "none" return t unchanged.
func WithCompression(t tailer.Transformer, compression string) (tailer.Transformer, error) {
	switch compression {
	case "", CompressionNone:
		return t, nil
	case CompressionGzip:
		return &Compressed{inner: t, encoding: CompressionGzip, compress: gzipCompress}, nil
	case CompressionZstd:
		enc, err := zstdEncoder()
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		return &Compressed{
			inner:    t,
			encoding: CompressionZstd,
			compress: func(b []byte) ([]byte, error) { return enc.EncodeAll(b, nil), nil },
		}, nil
	default:
		return nil, fmt.Errorf("unknown compression: %s", compression)
	}
}

func (c *Compressed) Transform(rec tailer.Record) ([]byte, error) {
	data, err := c.inner.Transform(rec)
	if err != nil {
		return nil, err
	}
	out, err := c.compress(data)
	if err != nil {
		return nil, fmt.Errorf("failed to %s record %d: %w", c.encoding, rec.Ordinal, err)
	}
	return out, nil
}

func (c *Compressed) ContentType() string {
	return c.inner.ContentType()
}

// ContentEncoding returns the codec applied by t, "" when uncompressed
func ContentEncoding(t tailer.Transformer) string {
	if c, ok := t.(*Compressed); ok {
		return c.encoding
	}
	return ""
}

var gzipWriters = sync.Pool{
	New: func() interface{} { return gzip.NewWriter(nil) },
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzipWriters.Get().(*gzip.Writer)
	defer gzipWriters.Put(w)

	w.Reset(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// A single encoder is safe for concurrent EncodeAll calls
var (
	sharedZstd     *zstd.Encoder
	sharedZstdErr  error
	sharedZstdOnce sync.Once
)

func zstdEncoder() (*zstd.Encoder, error) {
	sharedZstdOnce.Do(func() {
		sharedZstd, sharedZstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	})
	return sharedZstd, sharedZstdErr
}
