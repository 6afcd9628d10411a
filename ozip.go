// SPDX-License-Identifier: MIT
// Copyright (c) 2026 mughalh
// Source: github.com/mughalh/ozip2zip-back

package ozip2zip

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
)

// Detect reports whether data starts with the OZIP container magic.
func Detect(data []byte) bool {
	return len(data) >= len(ozipMagic) && string(data[:len(ozipMagic)]) == ozipMagic
}

// Decrypt trial-decrypts the container with the candidate keys in order and
// returns the decrypted archive payload (header stripped) plus the key that
// produced a valid ZIP signature.
//
// Only full cipherChunkSize chunks are encrypted on disk; a trailing short
// chunk is stored plaintext and copied verbatim. A container with no full
// chunk therefore needs no key at all and returns a zero KeyEntry.
func Decrypt(data []byte, keys []KeyEntry, opts CryptOptions) ([]byte, KeyEntry, error) {
	opts.applyDefaults()

	if !Detect(data) {
		return nil, KeyEntry{}, ErrNotAnOzip
	}
	if len(data) < ozipHeaderSize {
		return nil, KeyEntry{}, fmt.Errorf("%w: %d bytes", ErrOzipTruncated, len(data))
	}

	src := data[ozipHeaderSize:]
	fullChunks := len(src) / cipherChunkSize

	if fullChunks == 0 {
		out := make([]byte, len(src))
		copy(out, src)
		return out, KeyEntry{}, nil
	}

	block, used, err := selectKey(src[:cipherChunkSize], keys)
	if err != nil {
		return nil, KeyEntry{}, err
	}

	out := make([]byte, len(src))
	transcodeChunks(block, out, src, false, opts.MaxWorkers)
	copy(out[fullChunks*cipherChunkSize:], src[fullChunks*cipherChunkSize:])

	return out, used, nil
}

// Encrypt wraps an archive payload into a fresh OZIP container under key.
// Full chunks are encrypted, a trailing short chunk stays plaintext, and the
// header records the payload byte length after the magic.
func Encrypt(payload []byte, key KeyEntry, opts CryptOptions) ([]byte, error) {
	opts.applyDefaults()

	fullChunks := len(payload) / cipherChunkSize

	out := make([]byte, ozipHeaderSize+len(payload))
	copy(out, ozipMagic)
	binary.LittleEndian.PutUint64(out[ozipLengthOffset:], uint64(len(payload)))

	body := out[ozipHeaderSize:]
	if fullChunks > 0 {
		block, err := newCipher(key)
		if err != nil {
			return nil, err
		}

		transcodeChunks(block, body, payload, true, opts.MaxWorkers)
	}
	copy(body[fullChunks*cipherChunkSize:], payload[fullChunks*cipherChunkSize:])

	return out, nil
}

// selectKey finds the first candidate whose decryption of the first chunk
// starts with the ZIP local-file-header signature. Content-based selection is
// the only option: the container stores no key identifier.
func selectKey(firstChunk []byte, keys []KeyEntry) (cipher.Block, KeyEntry, error) {
	probe := make([]byte, aes.BlockSize)

	for _, key := range keys {
		block, err := newCipher(key)
		if err != nil {
			return nil, KeyEntry{}, err
		}

		// One AES block is enough to see the 4-byte signature.
		ecbTranscode(block, probe, firstChunk[:aes.BlockSize], false)
		if bytes.HasPrefix(probe, []byte(zipLocalHeaderMagic)) {
			return block, key, nil
		}
	}

	return nil, KeyEntry{}, ErrKeyNotFound
}

// newCipher builds the AES cipher for one catalog entry.
func newCipher(key KeyEntry) (cipher.Block, error) {
	block, err := aes.NewCipher(key.Key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeySize, err)
	}

	return block, nil
}

// transcodeChunks runs ECB over every full chunk of src into dst with a
// worker pool. Chunks are independent, so order between workers is free.
func transcodeChunks(block cipher.Block, dst []byte, src []byte, encrypt bool, workers int) {
	chunks := len(src) / cipherChunkSize
	if chunks == 0 {
		return
	}

	if workers > chunks {
		workers = chunks
	}
	if workers < 1 {
		workers = 1
	}

	var next atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Go(func() {
			for {
				i := int(next.Add(1)) - 1
				if i >= chunks {
					return
				}

				off := i * cipherChunkSize
				ecbTranscode(block, dst[off:off+cipherChunkSize], src[off:off+cipherChunkSize], encrypt)
			}
		})
	}

	wg.Wait()
}

// ecbTranscode applies the cipher block-by-block with no chaining.
// The stdlib ships no ECB mode on purpose; the container format demands it.
func ecbTranscode(block cipher.Block, dst []byte, src []byte, encrypt bool) {
	bs := block.BlockSize()
	for off := 0; off+bs <= len(src); off += bs {
		if encrypt {
			block.Encrypt(dst[off:off+bs], src[off:off+bs])
		} else {
			block.Decrypt(dst[off:off+bs], src[off:off+bs])
		}
	}
}
