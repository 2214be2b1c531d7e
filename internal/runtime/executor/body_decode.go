package executor

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

type compositeReadCloser struct {
	io.Reader
	closers []func() error
}

func (c *compositeReadCloser) Close() error {
	var firstErr error
	for i := range c.closers {
		if c.closers[i] == nil {
			continue
		}
		if err := c.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// decodeResponseBody wraps body according to the first known Content-Encoding.
func decodeResponseBody(body io.ReadCloser, contentEncoding string) (io.ReadCloser, error) {
	if body == nil {
		return nil, fmt.Errorf("response body is nil")
	}
	if contentEncoding == "" {
		return body, nil
	}
	for _, raw := range strings.Split(contentEncoding, ",") {
		switch strings.TrimSpace(strings.ToLower(raw)) {
		case "", "identity":
			continue
		case "gzip":
			gzipReader, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return nil, fmt.Errorf("failed to create gzip reader: %w", err)
			}
			return &compositeReadCloser{
				Reader:  gzipReader,
				closers: []func() error{gzipReader.Close, body.Close},
			}, nil
		case "deflate":
			return newDeflateReader(body)
		case "br":
			return &compositeReadCloser{
				Reader:  brotli.NewReader(body),
				closers: []func() error{body.Close},
			}, nil
		case "zstd":
			decoder, err := zstd.NewReader(body)
			if err != nil {
				_ = body.Close()
				return nil, fmt.Errorf("failed to create zstd reader: %w", err)
			}
			return &compositeReadCloser{
				Reader: decoder,
				closers: []func() error{
					func() error { decoder.Close(); return nil },
					body.Close,
				},
			}, nil
		}
	}
	return body, nil
}

// newDeflateReader decodes HTTP deflate, which is zlib framed. Some servers
// send raw deflate instead, so the zlib header is sniffed first.
func newDeflateReader(body io.ReadCloser) (io.ReadCloser, error) {
	buffered := bufio.NewReader(body)
	header, _ := buffered.Peek(2)
	if !isZlibHeader(header) {
		deflateReader := flate.NewReader(buffered)
		return &compositeReadCloser{
			Reader:  deflateReader,
			closers: []func() error{deflateReader.Close, body.Close},
		}, nil
	}
	zlibReader, err := zlib.NewReader(buffered)
	if err != nil {
		_ = body.Close()
		return nil, fmt.Errorf("failed to create zlib reader: %w", err)
	}
	return &compositeReadCloser{
		Reader:  zlibReader,
		closers: []func() error{zlibReader.Close, body.Close},
	}, nil
}

func isZlibHeader(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	return b[0]&0x0f == 8 && (uint16(b[0])<<8|uint16(b[1]))%31 == 0
}
