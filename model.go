// SPDX-License-Identifier: MIT
// Copyright (c) 2026 mughalh
// Source: github.com/mughalh/ozip2zip-back

package ozip2zip

import (
	"runtime"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/sirupsen/logrus"
)

// OZIP container format constants. These are format constants, not tunables.
const (
	// ozipMagic sits at offset 0 of every encrypted container.
	ozipMagic = "OPPOENCRYPT!"
	// ozipHeaderSize is the fixed header region size preceding the encrypted payload.
	ozipHeaderSize = 0x1050
	// ozipLengthOffset is where Encrypt stores the payload byte length (LE64).
	ozipLengthOffset = 0x10
	// cipherChunkSize is the fixed encryption block framing of the payload.
	// Full chunks are AES-ECB transcoded independently; a trailing short
	// chunk stays plaintext (format quirk, preserved on purpose).
	cipherChunkSize = 0x4000
	// aesKeySize is the catalog key size (AES-128).
	aesKeySize = 16
	// zipLocalHeaderMagic is the archive signature probed during trial decryption.
	zipLocalHeaderMagic = "PK\x03\x04"
)

// Sparse image format constants.
const (
	// BlockSize is the output block size of materialized raw images.
	BlockSize = 4096
	// transferListVersion is the version emitted by DeltaEncode (Nougat/Oreo line).
	transferListVersion = 4
)

// Default pipeline tuning values.
const (
	// DefaultFrameQuality is the brotli quality used when repacking the chunk stream.
	DefaultFrameQuality = brotli.DefaultCompression
	// DefaultSpaceFactor is the free-space multiple of the replacement image
	// required in the working directory before repack starts.
	DefaultSpaceFactor = 3
)

// KeyEntry is one candidate AES key tagged with a device label.
type KeyEntry struct {
	// Label is a human-readable device tag, not unique across entries.
	Label string `json:"label" yaml:"label"`
	// Key is the raw AES-128 key.
	Key [aesKeySize]byte `json:"-" yaml:"-"`
}

// IsZero reports whether the entry is the zero value (no key selected).
func (k KeyEntry) IsZero() bool {
	return k.Label == "" && k.Key == [aesKeySize]byte{}
}

// EntryInfo describes one parsed archive payload entry.
type EntryInfo struct {
	// Name is the entry path as stored in the ZIP central directory.
	Name string `json:"name" yaml:"name"`
	// Comment is the per-entry comment, preserved across rewrite.
	Comment string `json:"comment,omitempty" yaml:"comment,omitempty"`
	// CompressedSize is stored payload size in bytes.
	CompressedSize uint64 `json:"compressed_size" yaml:"compressed_size"`
	// UncompressedSize is entry size after decompression.
	UncompressedSize uint64 `json:"uncompressed_size" yaml:"uncompressed_size"`
	// CRC32 is the stored entry checksum.
	CRC32 uint32 `json:"crc32" yaml:"crc32"`
	// Method is the ZIP compression method (0 store, 8 deflate).
	Method uint16 `json:"method" yaml:"method"`
	// Modified is the entry timestamp.
	Modified time.Time `json:"modified,omitzero" yaml:"modified,omitempty"`
}

// BlockRange is one half-open block span [Start, End) in output block units.
type BlockRange struct {
	Start uint64 `json:"start" yaml:"start"`
	End   uint64 `json:"end" yaml:"end"`
}

// Blocks returns the number of blocks covered by the range.
func (r BlockRange) Blocks() uint64 {
	if r.End <= r.Start {
		return 0
	}

	return r.End - r.Start
}

// OverlapWarning describes one non-fatal overlapping write detected during replay.
type OverlapWarning struct {
	// Range is the offending block span.
	Range BlockRange `json:"range" yaml:"range"`
	// Op is the command verb that rewrote already-covered blocks.
	Op string `json:"op" yaml:"op"`
	// CommandIndex is the position of the command in the transfer list.
	CommandIndex int `json:"command_index" yaml:"command_index"`
}

// CryptOptions configures container block transcoding.
type CryptOptions struct {
	// MaxWorkers is the number of parallel block workers (zero means GOMAXPROCS).
	MaxWorkers int `json:"max_workers,omitempty" yaml:"max_workers,omitempty"`
}

// ExtractOptions configures archive payload extraction to disk.
type ExtractOptions struct {
	// OnEntryDone is called after one entry is fully written to disk.
	OnEntryDone func(entry EntryInfo, written int64, outputPath string) `json:"-" yaml:"-"`
	// Entries limits extraction to the named entries; nil means all.
	Entries []string `json:"entries,omitempty" yaml:"entries,omitempty"`
	// MaxWorkers is the number of extraction workers (zero means GOMAXPROCS).
	MaxWorkers int `json:"max_workers,omitempty" yaml:"max_workers,omitempty"`
}

// MaterializeOptions configures transfer-list replay behavior.
type MaterializeOptions struct {
	// OnOverlap receives non-fatal overlap warnings during replay.
	OnOverlap func(w OverlapWarning) `json:"-" yaml:"-"`
	// StrictOverlap turns overlapping writes into ErrBlockOverlap.
	// Default is detect-and-warn with last-write-wins, matching how
	// recovery firmware applies real lists.
	StrictOverlap bool `json:"strict_overlap,omitempty" yaml:"strict_overlap,omitempty"`
}

// JobState identifies the orchestrator state machine position.
type JobState string

// Job states. Failed is reachable from any non-terminal state and a failed
// job must be restarted from a fresh Job; no state survives process restarts.
const (
	StateIdle      JobState = "idle"
	StateUnpacking JobState = "unpacking"
	StateUnpacked  JobState = "unpacked"
	StateRepacking JobState = "repacking"
	StateDone      JobState = "done"
	StateFailed    JobState = "failed"
)

// JobOptions configures one conversion job.
type JobOptions struct {
	// Logger receives stage progress; nil means logrus standard logger.
	Logger *logrus.Logger `json:"-" yaml:"-"`
	// Keys overrides the built-in key catalog for trial decryption.
	Keys []KeyEntry `json:"-" yaml:"-"`
	// KeyOverride forces the re-encryption key instead of the key found
	// during Unpack.
	KeyOverride *KeyEntry `json:"-" yaml:"-"`
	// FrameQuality is the brotli quality for the repacked chunk stream (0-11).
	FrameQuality int `json:"frame_quality,omitempty" yaml:"frame_quality,omitempty"`
	// MaxWorkers bounds parallel block decryption and extraction workers.
	MaxWorkers int `json:"max_workers,omitempty" yaml:"max_workers,omitempty"`
	// SpaceFactor is the required free-space multiple of the replacement
	// image before repack (zero means DefaultSpaceFactor).
	SpaceFactor int `json:"space_factor,omitempty" yaml:"space_factor,omitempty"`
	// DiscardIntermediates removes decrypted payload and transfer artifacts
	// from the working directory once the stage that needed them is done.
	// Default keeps them for inspection.
	DiscardIntermediates bool `json:"discard_intermediates,omitempty" yaml:"discard_intermediates,omitempty"`
	// StrictOverlap hardens transfer-list overlap handling to a failure.
	StrictOverlap bool `json:"strict_overlap,omitempty" yaml:"strict_overlap,omitempty"`
}

// applyDefaults fills zero-valued crypt options with defaults.
func (opts *CryptOptions) applyDefaults() {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = runtime.GOMAXPROCS(0)
	}
}

// applyDefaults fills zero-valued extract options with defaults.
func (opts *ExtractOptions) applyDefaults() {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = runtime.GOMAXPROCS(0)
	}
}

// applyDefaults fills zero-valued job options with defaults.
func (opts *JobOptions) applyDefaults() {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	if len(opts.Keys) == 0 {
		opts.Keys = Candidates()
	}

	if opts.FrameQuality == 0 {
		opts.FrameQuality = DefaultFrameQuality
	}

	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = runtime.GOMAXPROCS(0)
	}

	if opts.SpaceFactor <= 0 {
		opts.SpaceFactor = DefaultSpaceFactor
	}
}
