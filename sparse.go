// SPDX-License-Identifier: MIT
// Copyright (c) 2026 mughalh
// Source: github.com/mughalh/ozip2zip-back

package ozip2zip

import (
	"bufio"
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Transfer list command verbs understood by the codec.
const (
	opNew   = "new"
	opZero  = "zero"
	opErase = "erase"
)

const (
	// maxTransferListLine bounds one command line. Stock lists pack
	// thousands of ranges into a single new command, far past bufio's
	// default token size.
	maxTransferListLine = 64 << 20
	// maxImageBlocks keeps TotalBlocks*BlockSize addressable as an int.
	maxImageBlocks = math.MaxInt / BlockSize
)

// TransferCommand is one replayed command of a transfer list.
type TransferCommand struct {
	// Op is the command verb: new, zero, or erase.
	Op string `json:"op" yaml:"op"`
	// Ranges are the half-open output block spans, applied in listed order.
	Ranges []BlockRange `json:"ranges" yaml:"ranges"`
}

// blocks returns total block count across all ranges of the command.
func (c TransferCommand) blocks() uint64 {
	var n uint64
	for _, r := range c.Ranges {
		n += r.Blocks()
	}

	return n
}

// TransferList is the parsed sparse delta description of one partition image.
type TransferList struct {
	// Version is the format version from the first line.
	Version int `json:"version" yaml:"version"`
	// TotalBlocks is the output block count of the materialized image.
	TotalBlocks uint64 `json:"total_blocks" yaml:"total_blocks"`
	// StashEntries and MaxStashBlocks come from version >= 2 headers.
	// This codec never stashes; the fields round-trip for fidelity.
	StashEntries   uint64 `json:"stash_entries" yaml:"stash_entries"`
	MaxStashBlocks uint64 `json:"max_stash_blocks" yaml:"max_stash_blocks"`
	// Commands are replayed in order; later writes win over earlier ones.
	Commands []TransferCommand `json:"commands" yaml:"commands"`
}

// ParseTransferList parses the textual transfer list format (versions 1-4).
func ParseTransferList(data []byte) (*TransferList, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, bufio.MaxScanTokenSize), maxTransferListLine)

	version, err := scanUintLine(sc, "version")
	if err != nil {
		return nil, err
	}
	if version < 1 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrTransferListFormat, version)
	}

	total, err := scanUintLine(sc, "total block count")
	if err != nil {
		return nil, err
	}

	list := &TransferList{
		Version:     int(version),
		TotalBlocks: total,
	}

	if version >= 2 {
		if list.StashEntries, err = scanUintLine(sc, "stash entry count"); err != nil {
			return nil, err
		}
		if list.MaxStashBlocks, err = scanUintLine(sc, "max stash blocks"); err != nil {
			return nil, err
		}
	}

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		op := fields[0]
		switch op {
		case opNew, opZero, opErase:
			if len(fields) < 2 {
				return nil, fmt.Errorf("%w: command %q has no rangeset", ErrTransferListFormat, line)
			}

			ranges, err := parseRangeSet(fields[1])
			if err != nil {
				return nil, err
			}

			list.Commands = append(list.Commands, TransferCommand{Op: op, Ranges: ranges})
		default:
			// Some device lists interleave per-block hash lines; those start
			// with a digit and carry no command.
			if _, err := strconv.ParseUint(op[:1], 10, 8); err == nil {
				continue
			}

			return nil, fmt.Errorf("%w: unknown command %q", ErrTransferListFormat, op)
		}
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferListFormat, err)
	}

	return list, nil
}

// Encode renders the list back to its on-disk textual form.
func (t *TransferList) Encode() []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "%d\n%d\n", t.Version, t.TotalBlocks)
	if t.Version >= 2 {
		fmt.Fprintf(&buf, "%d\n%d\n", t.StashEntries, t.MaxStashBlocks)
	}

	for _, cmd := range t.Commands {
		buf.WriteString(cmd.Op)
		buf.WriteByte(' ')
		buf.WriteString(strconv.Itoa(len(cmd.Ranges) * 2))
		for _, r := range cmd.Ranges {
			fmt.Fprintf(&buf, ",%d,%d", r.Start, r.End)
		}
		buf.WriteByte('\n')
	}

	return buf.Bytes()
}

// Materialize replays the transfer list against the sequential chunk stream
// and returns the fully materialized raw image of TotalBlocks*BlockSize bytes.
//
// zero and erase are no-ops against the zero-initialized buffer. Overlapping
// writes apply in command order (last write wins) and are reported through
// opts.OnOverlap; StrictOverlap turns them into ErrBlockOverlap. Commands must
// cover every output block exactly, and ranges past TotalBlocks are rejected.
func Materialize(list *TransferList, chunks []byte, opts MaterializeOptions) ([]byte, error) {
	if list == nil {
		return nil, fmt.Errorf("%w: nil list", ErrTransferListFormat)
	}
	if list.TotalBlocks > maxImageBlocks {
		return nil, fmt.Errorf("%w: total block count %d out of range", ErrTransferListFormat, list.TotalBlocks)
	}

	image := make([]byte, list.TotalBlocks*BlockSize)
	covered := make([]bool, list.TotalBlocks)
	var coveredBlocks uint64
	chunkOff := uint64(0)

	for i, cmd := range list.Commands {
		for _, r := range cmd.Ranges {
			if r.End <= r.Start {
				return nil, fmt.Errorf("%w: command %d: empty range %d-%d", ErrTransferListFormat, i, r.Start, r.End)
			}
			if r.End > list.TotalBlocks {
				return nil, fmt.Errorf("%w: command %d: range %d-%d beyond %d blocks",
					ErrTransferListFormat, i, r.Start, r.End, list.TotalBlocks)
			}

			if cmd.Op == opNew {
				need := r.Blocks() * BlockSize
				if chunkOff+need > uint64(len(chunks)) {
					return nil, fmt.Errorf("%w: command %d needs %d bytes, %d left",
						ErrTruncatedChunk, i, need, uint64(len(chunks))-chunkOff)
				}

				copy(image[r.Start*BlockSize:r.End*BlockSize], chunks[chunkOff:chunkOff+need])
				chunkOff += need
			}

			overlap := false
			for b := r.Start; b < r.End; b++ {
				if covered[b] {
					overlap = true
					continue
				}

				covered[b] = true
				coveredBlocks++
			}

			if overlap {
				if opts.StrictOverlap {
					return nil, fmt.Errorf("%w: command %d %s %d-%d", ErrBlockOverlap, i, cmd.Op, r.Start, r.End)
				}
				if opts.OnOverlap != nil {
					opts.OnOverlap(OverlapWarning{CommandIndex: i, Op: cmd.Op, Range: r})
				}
			}
		}
	}

	if coveredBlocks != list.TotalBlocks {
		return nil, fmt.Errorf("%w: commands cover %d of %d blocks",
			ErrTransferListFormat, coveredBlocks, list.TotalBlocks)
	}

	return image, nil
}

// DeltaEncode builds the transfer list and chunk stream for a replacement
// image. No diffing is attempted: one new command rewrites the whole
// partition, trading patch size for a correctness guarantee. The final
// partial block, if any, is zero-padded to the block boundary.
func DeltaEncode(raw []byte) (*TransferList, []byte, error) {
	totalBlocks := (uint64(len(raw)) + BlockSize - 1) / BlockSize

	list := &TransferList{
		Version:     transferListVersion,
		TotalBlocks: totalBlocks,
	}

	if totalBlocks == 0 {
		return list, nil, nil
	}

	chunks := make([]byte, totalBlocks*BlockSize)
	copy(chunks, raw)

	list.Commands = []TransferCommand{{
		Op:     opNew,
		Ranges: []BlockRange{{Start: 0, End: totalBlocks}},
	}}

	return list, chunks, nil
}

// parseRangeSet parses "count,start,end,..." with a leading element count.
func parseRangeSet(s string) ([]BlockRange, error) {
	fields := strings.Split(s, ",")
	if len(fields) < 3 {
		return nil, fmt.Errorf("%w: rangeset %q too short", ErrTransferListFormat, s)
	}

	nums := make([]uint64, len(fields))
	for i, f := range fields {
		n, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: rangeset %q: %v", ErrTransferListFormat, s, err)
		}

		nums[i] = n
	}

	count := nums[0]
	if count != uint64(len(nums)-1) || count%2 != 0 {
		return nil, fmt.Errorf("%w: rangeset %q count mismatch", ErrTransferListFormat, s)
	}

	ranges := make([]BlockRange, 0, count/2)
	for i := 1; i < len(nums); i += 2 {
		if nums[i+1] <= nums[i] {
			return nil, fmt.Errorf("%w: rangeset %q: empty span %d-%d", ErrTransferListFormat, s, nums[i], nums[i+1])
		}

		ranges = append(ranges, BlockRange{Start: nums[i], End: nums[i+1]})
	}

	return ranges, nil
}

// scanUintLine reads one numeric header line.
func scanUintLine(sc *bufio.Scanner, what string) (uint64, error) {
	if !sc.Scan() {
		return 0, fmt.Errorf("%w: missing %s line", ErrTransferListFormat, what)
	}

	n, err := strconv.ParseUint(strings.TrimSpace(sc.Text()), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad %s line %q", ErrTransferListFormat, what, sc.Text())
	}

	return n, nil
}

// androidRelease maps transfer list versions to the Android line that
// produced them, for log output only.
func androidRelease(version int) string {
	switch version {
	case 1:
		return "Lollipop 5.0"
	case 2:
		return "Lollipop 5.1"
	case 3:
		return "Marshmallow 6.x"
	case 4:
		return "Nougat 7.x / Oreo 8.x"
	default:
		return "unknown"
	}
}
