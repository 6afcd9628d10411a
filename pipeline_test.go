// SPDX-License-Identifier: MIT
// Copyright (c) 2026 mughalh
// Source: github.com/mughalh/ozip2zip-back

package ozip2zip

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/sirupsen/logrus"
)

// quietLogger keeps pipeline logs out of test output.
func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// testFirmware is one synthetic encrypted firmware fixture.
type testFirmware struct {
	containerPath string
	key           KeyEntry
	image         []byte
	bootContent   []byte
}

// buildTestFirmware assembles a small but structurally complete encrypted
// container: a random boot image plus the brotli sparse delta and transfer
// list of a 4-block system image.
func buildTestFirmware(t testing.TB) testFirmware {
	t.Helper()

	rnd := rand.New(rand.NewSource(99))

	image := make([]byte, 4*BlockSize)
	rnd.Read(image)

	list, chunks, err := DeltaEncode(image)
	if err != nil {
		t.Fatalf("delta encode: %v", err)
	}

	deltaBr, err := CompressFrame(chunks, brotli.BestSpeed)
	if err != nil {
		t.Fatalf("compress delta: %v", err)
	}

	boot := make([]byte, 2*cipherChunkSize)
	rnd.Read(boot)

	payload := buildZipPayload(t, []struct {
		name    string
		content []byte
		method  uint16
	}{
		{"boot.img", boot, zip.Store},
		{"firmware/system.new.dat.br", deltaBr, zip.Store},
		{"firmware/system.transfer.list", list.Encode(), zip.Deflate},
		{"META-INF/com/android/metadata", []byte("post-build=test\n"), zip.Deflate},
	})

	key := testKey(t, "fixture", "d6eecf0ae5acd4e0e9fe522de7ce381e")
	container, err := Encrypt(payload, key, CryptOptions{})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	path := filepath.Join(t.TempDir(), "firmware.ozip")
	if err := os.WriteFile(path, container, 0o600); err != nil {
		t.Fatalf("write container: %v", err)
	}

	return testFirmware{containerPath: path, key: key, image: image, bootContent: boot}
}

func TestJob_UnpackRepack(t *testing.T) {
	fw := buildTestFirmware(t)
	workDir := filepath.Join(t.TempDir(), "work")

	wrong := testKey(t, "wrong", "00000000000000000000000000000001")
	job := NewJob(JobOptions{
		Logger: quietLogger(),
		Keys:   []KeyEntry{wrong, fw.key},
	})

	res, err := job.Unpack(context.Background(), fw.containerPath, workDir)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if job.State() != StateUnpacked {
		t.Fatalf("state %s, want %s", job.State(), StateUnpacked)
	}
	if res.UsedKey.Label != fw.key.Label {
		t.Errorf("used key %q, want %q", res.UsedKey.Label, fw.key.Label)
	}
	if res.TotalBlocks != 4 {
		t.Errorf("total blocks %d, want 4", res.TotalBlocks)
	}
	if res.DeltaEntry != "firmware/system.new.dat.br" {
		t.Errorf("delta entry %q", res.DeltaEntry)
	}

	gotImage, err := os.ReadFile(res.ImagePath)
	if err != nil {
		t.Fatalf("read image: %v", err)
	}
	if !bytes.Equal(gotImage, fw.image) {
		t.Error("materialized image differs from fixture image")
	}

	for _, artifact := range []string{
		payloadArtifactName, imageArtifactName,
		transferArtifactName, chunkArtifactName, metadataArtifactName,
	} {
		if _, err := os.Stat(filepath.Join(workDir, artifact)); err != nil {
			t.Errorf("artifact %s missing: %v", artifact, err)
		}
	}

	// Substitute a fresh system image and repack.
	modified := bytes.Repeat([]byte{0xc3}, 5*BlockSize)
	modifiedPath := filepath.Join(workDir, "modified.img")
	if err := os.WriteFile(modifiedPath, modified, 0o600); err != nil {
		t.Fatalf("write modified image: %v", err)
	}

	outPath := filepath.Join(t.TempDir(), "patched.ozip")
	got, err := job.Repack(context.Background(), modifiedPath, outPath)
	if err != nil {
		t.Fatalf("repack: %v", err)
	}
	if got != outPath {
		t.Errorf("output path %q, want %q", got, outPath)
	}
	if job.State() != StateDone {
		t.Fatalf("state %s, want %s", job.State(), StateDone)
	}

	verifyRepackedContainer(t, outPath, fw, modified)
}

// verifyRepackedContainer decrypts the repacked output and checks both the
// substituted system image and the untouched entries.
func verifyRepackedContainer(t *testing.T, path string, fw testFirmware, wantImage []byte) {
	t.Helper()

	container, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}

	payload, used, err := Decrypt(container, []KeyEntry{fw.key}, CryptOptions{})
	if err != nil {
		t.Fatalf("decrypt output: %v", err)
	}
	if used.Label != fw.key.Label {
		t.Errorf("output encrypted under %q, want %q", used.Label, fw.key.Label)
	}

	boot, err := ReadArchiveEntry(payload, "boot.img")
	if err != nil {
		t.Fatalf("read boot.img: %v", err)
	}
	if !bytes.Equal(boot, fw.bootContent) {
		t.Error("untouched entry changed during repack")
	}

	deltaBr, err := ReadArchiveEntry(payload, "firmware/system.new.dat.br")
	if err != nil {
		t.Fatalf("read delta: %v", err)
	}
	chunks, err := DecompressFrame(deltaBr)
	if err != nil {
		t.Fatalf("decompress delta: %v", err)
	}

	listText, err := ReadArchiveEntry(payload, "firmware/system.transfer.list")
	if err != nil {
		t.Fatalf("read transfer list: %v", err)
	}
	list, err := ParseTransferList(listText)
	if err != nil {
		t.Fatalf("parse transfer list: %v", err)
	}

	image, err := Materialize(list, chunks, MaterializeOptions{StrictOverlap: true})
	if err != nil {
		t.Fatalf("materialize output: %v", err)
	}
	if !bytes.Equal(image, wantImage) {
		t.Error("repacked system image differs from substituted image")
	}
}

func TestJob_RepackRequiresUnpackedState(t *testing.T) {
	job := NewJob(JobOptions{Logger: quietLogger()})

	_, err := job.Repack(context.Background(), "system.img", "out.ozip")
	if !errors.Is(err, ErrInvalidJobState) {
		t.Fatalf("expected ErrInvalidJobState, got %v", err)
	}
}

func TestJob_UnpackIsSingleUse(t *testing.T) {
	fw := buildTestFirmware(t)
	job := NewJob(JobOptions{Logger: quietLogger(), Keys: []KeyEntry{fw.key}})

	if _, err := job.Unpack(context.Background(), fw.containerPath, filepath.Join(t.TempDir(), "w1")); err != nil {
		t.Fatalf("unpack: %v", err)
	}

	_, err := job.Unpack(context.Background(), fw.containerPath, filepath.Join(t.TempDir(), "w2"))
	if !errors.Is(err, ErrInvalidJobState) {
		t.Fatalf("expected ErrInvalidJobState, got %v", err)
	}
}

func TestJob_UnpackCancelled(t *testing.T) {
	fw := buildTestFirmware(t)
	job := NewJob(JobOptions{Logger: quietLogger(), Keys: []KeyEntry{fw.key}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := job.Unpack(ctx, fw.containerPath, filepath.Join(t.TempDir(), "work"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if job.State() != StateFailed {
		t.Errorf("state %s, want %s", job.State(), StateFailed)
	}
	if job.Err() == nil {
		t.Error("failed job must retain its error")
	}
}

func TestJob_UnpackBadContainer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-an-ozip.bin")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0x42}, ozipHeaderSize*2), 0o600); err != nil {
		t.Fatal(err)
	}

	job := NewJob(JobOptions{Logger: quietLogger()})
	_, err := job.Unpack(context.Background(), path, filepath.Join(t.TempDir(), "work"))
	if !errors.Is(err, ErrNotAnOzip) {
		t.Fatalf("expected ErrNotAnOzip, got %v", err)
	}
	if job.State() != StateFailed {
		t.Errorf("state %s, want %s", job.State(), StateFailed)
	}
}

func TestJob_KeyOverrideOnRepack(t *testing.T) {
	fw := buildTestFirmware(t)
	override := testKey(t, "override", "d7dbce1ad4afdce1393e5121cbdc4321")

	job := NewJob(JobOptions{
		Logger:      quietLogger(),
		Keys:        []KeyEntry{fw.key},
		KeyOverride: &override,
	})

	res, err := job.Unpack(context.Background(), fw.containerPath, filepath.Join(t.TempDir(), "work"))
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}

	outPath := filepath.Join(t.TempDir(), "patched.ozip")
	if _, err := job.Repack(context.Background(), res.ImagePath, outPath); err != nil {
		t.Fatalf("repack: %v", err)
	}

	container, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}

	// The original key must no longer decrypt, the override must.
	if _, _, err := Decrypt(container, []KeyEntry{fw.key}, CryptOptions{}); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound with original key, got %v", err)
	}
	if _, used, err := Decrypt(container, []KeyEntry{override}, CryptOptions{}); err != nil || used.Label != "override" {
		t.Errorf("override key failed: used=%q err=%v", used.Label, err)
	}
}

func TestJob_DiscardIntermediates(t *testing.T) {
	fw := buildTestFirmware(t)
	workDir := filepath.Join(t.TempDir(), "work")

	job := NewJob(JobOptions{
		Logger:               quietLogger(),
		Keys:                 []KeyEntry{fw.key},
		DiscardIntermediates: true,
	})

	res, err := job.Unpack(context.Background(), fw.containerPath, workDir)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}

	for _, artifact := range []string{transferArtifactName, chunkArtifactName} {
		if _, err := os.Stat(filepath.Join(workDir, artifact)); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("artifact %s must be skipped, stat: %v", artifact, err)
		}
	}

	outPath := filepath.Join(t.TempDir(), "patched.ozip")
	if _, err := job.Repack(context.Background(), res.ImagePath, outPath); err != nil {
		t.Fatalf("repack: %v", err)
	}

	if _, err := os.Stat(filepath.Join(workDir, payloadArtifactName)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("payload artifact must be removed after repack, stat: %v", err)
	}
}
