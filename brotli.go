// SPDX-License-Identifier: MIT
// Copyright (c) 2026 mughalh
// Source: github.com/mughalh/ozip2zip-back

package ozip2zip

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

// DecompressFrame inflates the single brotli stream holding the sparse-image
// chunk data. The on-disk file has no framing beyond the brotli stream itself.
func DecompressFrame(data []byte) ([]byte, error) {
	out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameDecode, err)
	}

	return out, nil
}

// CompressFrame deflates the chunk stream into one brotli stream at the given
// quality (brotli.BestSpeed..brotli.BestCompression).
func CompressFrame(data []byte, quality int) ([]byte, error) {
	if quality < brotli.BestSpeed || quality > brotli.BestCompression {
		return nil, fmt.Errorf("%w: %d", ErrFrameQuality, quality)
	}

	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, quality)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("brotli compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("brotli compress: %w", err)
	}

	return buf.Bytes(), nil
}
