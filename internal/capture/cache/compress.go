package cache

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/snappy"
	"github.com/pierrec/lz4/v4"

	"github.com/snapwright/engine/pkg/types"
)

// Compress compresses a payload using the configured algorithm. Returns the
// (possibly unchanged) bytes and the file extension to append. Payloads below
// the size threshold are stored uncompressed.
func Compress(content []byte, algorithm string) ([]byte, string, error) {
	if len(content) < types.CompressionMinSize {
		return content, "", nil
	}
	if algorithm == types.CompressionNone || algorithm == "" {
		return content, "", nil
	}

	switch algorithm {
	case types.CompressionSnappy:
		return snappy.Encode(nil, content), types.ExtSnappy, nil

	case types.CompressionLZ4:
		// LZ4 stream format embeds size information
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(content); err != nil {
			w.Close()
			return nil, "", fmt.Errorf("lz4 compression failed: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, "", fmt.Errorf("lz4 compression close failed: %w", err)
		}
		return buf.Bytes(), types.ExtLZ4, nil

	default:
		return content, "", nil
	}
}

// Decompress reverses Compress based on the file path extension. Content
// without a recognized extension is returned as-is.
func Decompress(content []byte, filePath string) ([]byte, error) {
	switch algorithmFromPath(filePath) {
	case types.CompressionSnappy:
		decompressed, err := snappy.Decode(nil, content)
		if err != nil {
			return nil, fmt.Errorf("snappy decompression failed: %w", err)
		}
		return decompressed, nil

	case types.CompressionLZ4:
		r := lz4.NewReader(bytes.NewReader(content))
		decompressed, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompression failed: %w", err)
		}
		return decompressed, nil

	default:
		return content, nil
	}
}

func algorithmFromPath(filePath string) string {
	if strings.HasSuffix(filePath, types.ExtSnappy) {
		return types.CompressionSnappy
	}
	if strings.HasSuffix(filePath, types.ExtLZ4) {
		return types.CompressionLZ4
	}
	return types.CompressionNone
}
