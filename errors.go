// SPDX-License-Identifier: MIT
// Copyright (c) 2026 mughalh
// Source: github.com/mughalh/ozip2zip-back

package ozip2zip

import "errors"

// Sentinel errors for OZIP pipeline operations. Use errors.Is in callers.
var (
	// ErrNotAnOzip means the file does not start with the OPPOENCRYPT! magic.
	ErrNotAnOzip = errors.New("not an OZIP file: missing OPPOENCRYPT! magic")
	// ErrOzipTruncated means the file carries the magic but is shorter than the fixed header.
	ErrOzipTruncated = errors.New("OZIP file shorter than fixed header")
	// ErrKeyNotFound means no candidate key produced a valid archive signature.
	ErrKeyNotFound = errors.New("no candidate key decrypts this container")
	// ErrKeySize means an AES key is not exactly 16 bytes.
	ErrKeySize = errors.New("AES key must be 16 bytes")
	// ErrArchiveFormat means the decrypted ZIP payload is structurally corrupt.
	ErrArchiveFormat = errors.New("malformed ZIP payload")
	// ErrEntryNotFound means a named entry is absent from the archive payload.
	ErrEntryNotFound = errors.New("entry not found in archive payload")
	// ErrDeltaEntryNotFound means the sparse-delta entry is absent from the archive.
	ErrDeltaEntryNotFound = errors.New("sparse delta entry not found in archive")
	// ErrTransferListEntryNotFound means the transfer-list entry is absent from the archive.
	ErrTransferListEntryNotFound = errors.New("transfer list entry not found in archive")
	// ErrFrameDecode means the brotli frame is corrupt or truncated.
	ErrFrameDecode = errors.New("corrupt or truncated brotli frame")
	// ErrFrameQuality means the requested brotli quality is out of range.
	ErrFrameQuality = errors.New("brotli quality out of range")
	// ErrTransferListFormat means the transfer list header or commands are malformed.
	ErrTransferListFormat = errors.New("malformed transfer list")
	// ErrTruncatedChunk means the chunk stream holds fewer bytes than a new command declares.
	ErrTruncatedChunk = errors.New("chunk stream shorter than transfer list declares")
	// ErrBlockOverlap means commands rewrite already written blocks under strict overlap policy.
	ErrBlockOverlap = errors.New("transfer list writes overlapping block ranges")
	// ErrInsufficientSpace means the destination filesystem ran out of free space.
	ErrInsufficientSpace = errors.New("not enough free space in output directory")
	// ErrIO wraps filesystem failures at the pipeline boundary.
	ErrIO = errors.New("filesystem I/O failure")
	// ErrInvalidJobState means the requested operation is not valid in the current job state.
	ErrInvalidJobState = errors.New("operation not valid in current job state")
	// ErrInvalidExtractPath means an archive entry path is invalid for extraction destination.
	ErrInvalidExtractPath = errors.New("invalid extract path")
	// ErrNilJob means the job is nil.
	ErrNilJob = errors.New("job is nil")
)
