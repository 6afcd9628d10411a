// SPDX-License-Identifier: MIT
// Copyright (c) 2026 mughalh
// Source: github.com/mughalh/ozip2zip-back

package ozip2zip

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"testing"
)

func TestParseTransferList_Version4(t *testing.T) {
	text := []byte("4\n10\n0\n0\nerase 2,0,10\nnew 4,0,4,6,10\nzero 2,4,6\n")

	list, err := ParseTransferList(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if list.Version != 4 {
		t.Errorf("version %d, want 4", list.Version)
	}
	if list.TotalBlocks != 10 {
		t.Errorf("total blocks %d, want 10", list.TotalBlocks)
	}
	if len(list.Commands) != 3 {
		t.Fatalf("commands %d, want 3", len(list.Commands))
	}

	newCmd := list.Commands[1]
	if newCmd.Op != opNew || len(newCmd.Ranges) != 2 {
		t.Fatalf("unexpected new command: %+v", newCmd)
	}
	if newCmd.Ranges[0] != (BlockRange{Start: 0, End: 4}) || newCmd.Ranges[1] != (BlockRange{Start: 6, End: 10}) {
		t.Errorf("unexpected ranges: %+v", newCmd.Ranges)
	}
	if newCmd.blocks() != 8 {
		t.Errorf("new blocks %d, want 8", newCmd.blocks())
	}
}

func TestParseTransferList_Version1NoStashLines(t *testing.T) {
	list, err := ParseTransferList([]byte("1\n2\nnew 2,0,2\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if list.Version != 1 || list.TotalBlocks != 2 || len(list.Commands) != 1 {
		t.Errorf("unexpected list: %+v", list)
	}
}

func TestParseTransferList_Errors(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"bad version", "x\n2\n"},
		{"zero version", "0\n2\n"},
		{"missing total", "4\n"},
		{"missing stash lines", "2\n4\n"},
		{"unknown command", "4\n2\n0\n0\nmove 2,0,2\n"},
		{"no rangeset", "4\n2\n0\n0\nnew\n"},
		{"count mismatch", "4\n2\n0\n0\nnew 4,0,2\n"},
		{"odd count", "4\n2\n0\n0\nnew 3,0,2,3\n"},
		{"empty span", "4\n2\n0\n0\nnew 2,2,2\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseTransferList([]byte(tc.text)); !errors.Is(err, ErrTransferListFormat) {
				t.Errorf("expected ErrTransferListFormat, got %v", err)
			}
		})
	}
}

func TestParseTransferList_LongCommandLine(t *testing.T) {
	// Stock firmware lists carry one new command with thousands of ranges
	// on a single line, well past bufio's default 64KiB token size.
	const pairs = 12000

	var sb strings.Builder
	fmt.Fprintf(&sb, "4\n%d\n0\n0\n", pairs)
	sb.WriteString("new ")
	sb.WriteString(strconv.Itoa(pairs * 2))
	for i := 0; i < pairs; i++ {
		fmt.Fprintf(&sb, ",%d,%d", 2*i, 2*i+1)
	}
	sb.WriteString("\n")

	text := sb.String()
	if len(text) <= 64*1024 {
		t.Fatalf("fixture line too short to exercise the limit: %d bytes", len(text))
	}

	list, err := ParseTransferList([]byte(text))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(list.Commands) != 1 {
		t.Fatalf("commands %d, want 1", len(list.Commands))
	}
	if got := len(list.Commands[0].Ranges); got != pairs {
		t.Errorf("ranges %d, want %d", got, pairs)
	}
}

func TestParseTransferList_SkipsHashLines(t *testing.T) {
	text := []byte("3\n2\n0\n0\n2abc0deadbeef\nnew 2,0,2\n")

	list, err := ParseTransferList(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(list.Commands) != 1 {
		t.Fatalf("commands %d, want 1", len(list.Commands))
	}
}

func TestMaterialize_ZeroThenNew(t *testing.T) {
	list, err := ParseTransferList([]byte("4\n4\n0\n0\nzero 2,0,2\nnew 2,2,4\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	chunks := bytes.Repeat([]byte{0xab}, 2*BlockSize)
	image, err := Materialize(list, chunks, MaterializeOptions{})
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}

	if len(image) != 4*BlockSize {
		t.Fatalf("image size %d, want %d", len(image), 4*BlockSize)
	}
	if !bytes.Equal(image[:2*BlockSize], make([]byte, 2*BlockSize)) {
		t.Error("zero range must stay zero")
	}
	if !bytes.Equal(image[2*BlockSize:], chunks) {
		t.Error("new range must hold chunk data")
	}
}

func TestMaterialize_CoverageMismatch(t *testing.T) {
	list := &TransferList{Version: 4, TotalBlocks: 4, Commands: []TransferCommand{
		{Op: opZero, Ranges: []BlockRange{{Start: 0, End: 2}}},
	}}

	_, err := Materialize(list, nil, MaterializeOptions{})
	if !errors.Is(err, ErrTransferListFormat) {
		t.Fatalf("expected ErrTransferListFormat for partial coverage, got %v", err)
	}
}

func TestMaterialize_HugeTotalBlocks(t *testing.T) {
	// A hostile header block count must fail as a format error, not panic
	// or overflow the image allocation.
	for _, total := range []string{"18446744073709551615", "4503599627370497"} {
		list, err := ParseTransferList([]byte("4\n" + total + "\n0\n0\nzero 2,0,2\n"))
		if err != nil {
			t.Fatalf("parse with total %s: %v", total, err)
		}

		if _, err := Materialize(list, nil, MaterializeOptions{}); !errors.Is(err, ErrTransferListFormat) {
			t.Errorf("total %s: expected ErrTransferListFormat, got %v", total, err)
		}
	}
}

func TestMaterialize_RangeBeyondTotal(t *testing.T) {
	list := &TransferList{Version: 4, TotalBlocks: 2, Commands: []TransferCommand{
		{Op: opZero, Ranges: []BlockRange{{Start: 0, End: 3}}},
	}}

	_, err := Materialize(list, nil, MaterializeOptions{})
	if !errors.Is(err, ErrTransferListFormat) {
		t.Fatalf("expected ErrTransferListFormat for out-of-bounds range, got %v", err)
	}
}

func TestMaterialize_TruncatedChunkStream(t *testing.T) {
	list := &TransferList{Version: 4, TotalBlocks: 2, Commands: []TransferCommand{
		{Op: opNew, Ranges: []BlockRange{{Start: 0, End: 2}}},
	}}

	_, err := Materialize(list, make([]byte, BlockSize), MaterializeOptions{})
	if !errors.Is(err, ErrTruncatedChunk) {
		t.Fatalf("expected ErrTruncatedChunk, got %v", err)
	}
}

func TestMaterialize_OverlapWarnsAndLastWriteWins(t *testing.T) {
	list := &TransferList{Version: 4, TotalBlocks: 3, Commands: []TransferCommand{
		{Op: opNew, Ranges: []BlockRange{{Start: 0, End: 3}}},
		{Op: opNew, Ranges: []BlockRange{{Start: 1, End: 2}}},
	}}

	chunks := make([]byte, 4*BlockSize)
	for i := range chunks {
		chunks[i] = byte(i / BlockSize)
	}

	var warnings []OverlapWarning
	image, err := Materialize(list, chunks, MaterializeOptions{
		OnOverlap: func(w OverlapWarning) { warnings = append(warnings, w) },
	})
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}

	if len(warnings) != 1 {
		t.Fatalf("warnings %d, want 1", len(warnings))
	}
	w := warnings[0]
	if w.CommandIndex != 1 || w.Range != (BlockRange{Start: 1, End: 2}) {
		t.Errorf("unexpected warning: %+v", w)
	}

	// Later command data must overwrite block 1.
	if image[BlockSize] != 3 {
		t.Errorf("block 1 holds %d, want later chunk value 3", image[BlockSize])
	}
	if image[0] != 0 || image[2*BlockSize] != 2 {
		t.Error("non-overlapping blocks must keep first command data")
	}
}

func TestMaterialize_StrictOverlapFails(t *testing.T) {
	list := &TransferList{Version: 4, TotalBlocks: 2, Commands: []TransferCommand{
		{Op: opZero, Ranges: []BlockRange{{Start: 0, End: 2}}},
		{Op: opZero, Ranges: []BlockRange{{Start: 1, End: 2}}},
	}}

	_, err := Materialize(list, nil, MaterializeOptions{StrictOverlap: true})
	if !errors.Is(err, ErrBlockOverlap) {
		t.Fatalf("expected ErrBlockOverlap, got %v", err)
	}
}

func TestDeltaEncode_RoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(3))
	image := make([]byte, 3*BlockSize)
	rnd.Read(image)

	list, chunks, err := DeltaEncode(image)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if list.TotalBlocks != 3 {
		t.Fatalf("total blocks %d, want 3", list.TotalBlocks)
	}

	got, err := Materialize(list, chunks, MaterializeOptions{StrictOverlap: true})
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if !bytes.Equal(got, image) {
		t.Error("image differs after delta round trip")
	}
}

func TestDeltaEncode_PadsFinalPartialBlock(t *testing.T) {
	image := bytes.Repeat([]byte{0x5a}, BlockSize+100)

	list, chunks, err := DeltaEncode(image)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if list.TotalBlocks != 2 {
		t.Fatalf("total blocks %d, want 2", list.TotalBlocks)
	}
	if len(chunks) != 2*BlockSize {
		t.Fatalf("chunk stream %d bytes, want %d", len(chunks), 2*BlockSize)
	}

	got, err := Materialize(list, chunks, MaterializeOptions{})
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if !bytes.Equal(got[:len(image)], image) {
		t.Error("image prefix differs after round trip")
	}
	if !bytes.Equal(got[len(image):], make([]byte, 2*BlockSize-len(image))) {
		t.Error("padding must be zero")
	}
}

func TestDeltaEncode_EmptyImage(t *testing.T) {
	list, chunks, err := DeltaEncode(nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if list.TotalBlocks != 0 || len(list.Commands) != 0 || len(chunks) != 0 {
		t.Errorf("empty image must produce empty delta: %+v", list)
	}
}

func TestTransferList_EncodeParseRoundTrip(t *testing.T) {
	image := bytes.Repeat([]byte{1, 2, 3, 4}, BlockSize)
	list, _, err := DeltaEncode(image)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	text := list.Encode()
	parsed, err := ParseTransferList(text)
	if err != nil {
		t.Fatalf("parse encoded list: %v", err)
	}

	if parsed.Version != list.Version || parsed.TotalBlocks != list.TotalBlocks {
		t.Errorf("header mismatch: %+v vs %+v", parsed, list)
	}
	if len(parsed.Commands) != len(list.Commands) {
		t.Fatalf("command count mismatch: %d vs %d", len(parsed.Commands), len(list.Commands))
	}
	if parsed.Commands[0].Ranges[0] != list.Commands[0].Ranges[0] {
		t.Errorf("range mismatch: %+v vs %+v", parsed.Commands[0], list.Commands[0])
	}
}
