package client

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// DecompressResponse inspects Content-Encoding and, when the body is
// compressed, swaps resp.Body for a decompressing reader. The proxy streams
// most responses through byte-identical; only the HTML script-injection path
// needs the plaintext, and it calls this right before splicing.
//
// Supported encodings: gzip (and its x-gzip alias), deflate, br. An empty or
// "identity" header is a no-op. Anything else returns an error so the caller
// can fall back to streaming the body untouched.
//
// On success the Content-Encoding and Content-Length headers are dropped and
// resp.Uncompressed is set, mirroring what net/http does for its own
// transparent gzip path.
func DecompressResponse(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}
	reader, wrapped, err := decoder(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return err
	}
	if !wrapped {
		return nil
	}

	resp.Body = &decompressedBody{ReadCloser: reader, original: resp.Body}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

// DecodeBytes reverses a Content-Encoding on an in-memory buffer. Unlike
// DecompressResponse it touches no response state: callers use it to inspect
// a copy of a body without disturbing the stream they are about to relay.
func DecodeBytes(encoding string, data []byte) ([]byte, error) {
	reader, wrapped, err := decoder(encoding, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if !wrapped {
		return data, nil
	}
	defer reader.Close()
	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("client: decode %q body: %w", encoding, err)
	}
	return out, nil
}

// decoder wraps r in a reader reversing encoding. wrapped reports whether any
// decoding applies; identity and empty encodings return r's bytes as-is.
func decoder(encoding string, r io.Reader) (reader io.ReadCloser, wrapped bool, err error) {
	encoding = strings.ToLower(strings.TrimSpace(encoding))
	if encoding == "" || encoding == "identity" {
		return nil, false, nil
	}

	switch encoding {
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, false, fmt.Errorf("client: gzip reader: %w", err)
		}
		return gz, true, nil
	case "deflate":
		// zlib.NewReader covers the common zlib-wrapped deflate servers send;
		// the raw-deflate variant is rare enough to leave to the streaming
		// fallback.
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, false, fmt.Errorf("client: deflate reader: %w", err)
		}
		return zr, true, nil
	case "br":
		// The brotli reader is not an io.ReadCloser; the wrapper below closes
		// the underlying body.
		return io.NopCloser(brotli.NewReader(r)), true, nil
	default:
		return nil, false, fmt.Errorf("client: unsupported Content-Encoding %q", encoding)
	}
}

// decompressedBody closes both the decompression reader and the network body
// underneath it.
type decompressedBody struct {
	io.ReadCloser
	original io.ReadCloser
}

func (b *decompressedBody) Close() error {
	err := b.ReadCloser.Close()
	if cerr := b.original.Close(); err == nil {
		err = cerr
	}
	return err
}
