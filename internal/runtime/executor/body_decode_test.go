package executor

import (
	"bytes"
	"io"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

func TestDecodeResponseBody(t *testing.T) {
	const payload = `{"ok":true}`
	encode := map[string]func(*testing.T) []byte{
		"gzip": func(t *testing.T) []byte {
			var buf bytes.Buffer
			w := gzip.NewWriter(&buf)
			_, _ = w.Write([]byte(payload))
			_ = w.Close()
			return buf.Bytes()
		},
		"deflate": func(t *testing.T) []byte {
			var buf bytes.Buffer
			w := zlib.NewWriter(&buf)
			_, _ = w.Write([]byte(payload))
			_ = w.Close()
			return buf.Bytes()
		},
		"br": func(t *testing.T) []byte {
			var buf bytes.Buffer
			w := brotli.NewWriter(&buf)
			_, _ = w.Write([]byte(payload))
			_ = w.Close()
			return buf.Bytes()
		},
		"zstd": func(t *testing.T) []byte {
			var buf bytes.Buffer
			w, err := zstd.NewWriter(&buf)
			if err != nil {
				t.Fatalf("zstd writer: %v", err)
			}
			_, _ = w.Write([]byte(payload))
			_ = w.Close()
			return buf.Bytes()
		},
		"identity": func(t *testing.T) []byte { return []byte(payload) },
		"":         func(t *testing.T) []byte { return []byte(payload) },
	}
	for encoding, fn := range encode {
		t.Run("encoding="+encoding, func(t *testing.T) {
			rc, err := decodeResponseBody(io.NopCloser(bytes.NewReader(fn(t))), encoding)
			if err != nil {
				t.Fatalf("decodeResponseBody: %v", err)
			}
			defer func() { _ = rc.Close() }()
			got, err := io.ReadAll(rc)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if string(got) != payload {
				t.Fatalf("got %q", got)
			}
		})
	}
}

func TestDecodeResponseBodyRejectsBadGzip(t *testing.T) {
	if _, err := decodeResponseBody(io.NopCloser(bytes.NewReader([]byte("plain"))), "gzip"); err == nil {
		t.Fatalf("expected gzip header error")
	}
}

func TestDecodeResponseBodyAcceptsRawDeflate(t *testing.T) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		t.Fatalf("flate writer: %v", err)
	}
	_, _ = w.Write([]byte(`{"usage":{"input_tokens":3}}`))
	_ = w.Close()

	rc, err := decodeResponseBody(io.NopCloser(&buf), "deflate")
	if err != nil {
		t.Fatalf("decodeResponseBody: %v", err)
	}
	defer func() { _ = rc.Close() }()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != `{"usage":{"input_tokens":3}}` {
		t.Fatalf("got %q", got)
	}
}
