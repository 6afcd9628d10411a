// SPDX-License-Identifier: MIT
// Copyright (c) 2026 mughalh
// Source: github.com/mughalh/ozip2zip-back

package ozip2zip

import (
	"context"
	"crypto/sha1" //nolint:gosec // debug artifact fingerprints, not security
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

// Working directory artifact names. Everything the pipeline produces lands
// in the job's working directory so a failed or suspicious conversion can be
// inspected by hand.
const (
	payloadArtifactName  = "decrypted.zip"
	imageArtifactName    = "system.img"
	transferArtifactName = "system.transfer.list"
	chunkArtifactName    = "system.new.dat"
	metadataArtifactName = "ozip2zip.json"
)

// Job runs one conversion through the pipeline state machine:
// Idle -> Unpacking -> Unpacked -> Repacking -> Done, with Failed reachable
// from any non-terminal state. Jobs are single-use; concurrent jobs share
// nothing but the read-only key catalog.
type Job struct {
	opts JobOptions
	log  *logrus.Logger

	mu      sync.Mutex
	state   JobState
	failure error

	// Retained between Unpack and Repack.
	workDir         string
	payloadPath     string
	usedKey         KeyEntry
	entries         []EntryInfo
	deltaEntry      EntryInfo
	transferEntry   EntryInfo
	transferVersion int
}

// UnpackResult describes the artifacts produced by Unpack.
type UnpackResult struct {
	// WorkDir holds all intermediate artifacts.
	WorkDir string `json:"work_dir" yaml:"work_dir"`
	// ImagePath is the fully materialized raw system image, ready for editing.
	ImagePath string `json:"image_path" yaml:"image_path"`
	// UsedKey is the catalog key that decrypted the container.
	UsedKey KeyEntry `json:"used_key" yaml:"used_key"`
	// Entries is the decrypted payload entry set.
	Entries []EntryInfo `json:"entries" yaml:"entries"`
	// DeltaEntry and TransferListEntry are the located artifact entry names.
	DeltaEntry        string `json:"delta_entry" yaml:"delta_entry"`
	TransferListEntry string `json:"transfer_list_entry" yaml:"transfer_list_entry"`
	// TotalBlocks is the materialized image size in output blocks.
	TotalBlocks uint64 `json:"total_blocks" yaml:"total_blocks"`
}

// jobMetadata is the JSON snapshot written next to the artifacts.
type jobMetadata struct {
	CreatedAt         time.Time   `json:"created_at"`
	UsedKeyLabel      string      `json:"used_key_label"`
	DeltaEntry        string      `json:"delta_entry"`
	TransferListEntry string      `json:"transfer_list_entry"`
	TransferVersion   int         `json:"transfer_version"`
	TotalBlocks       uint64      `json:"total_blocks"`
	PayloadSHA1       string      `json:"payload_sha1"`
	ImageSHA1         string      `json:"image_sha1"`
	Entries           []EntryInfo `json:"entries"`
}

// NewJob creates an idle conversion job.
func NewJob(opts JobOptions) *Job {
	opts.applyDefaults()

	return &Job{
		opts:  opts,
		log:   opts.Logger,
		state: StateIdle,
	}
}

// State returns the current state machine position.
func (j *Job) State() JobState {
	if j == nil {
		return StateFailed
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the failure that moved the job to Failed, if any.
func (j *Job) Err() error {
	if j == nil {
		return ErrNilJob
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.failure
}

// Unpack decrypts the container, extracts the sparse delta, and materializes
// the raw system image into workDir.
func (j *Job) Unpack(ctx context.Context, ozipPath string, workDir string) (*UnpackResult, error) {
	if j == nil {
		return nil, ErrNilJob
	}
	if err := j.transition(StateIdle, StateUnpacking); err != nil {
		return nil, err
	}

	res, err := j.unpack(ctx, ozipPath, workDir)
	if err != nil {
		return nil, err
	}

	j.setState(StateUnpacked)
	return res, nil
}

func (j *Job) unpack(ctx context.Context, ozipPath string, workDir string) (*UnpackResult, error) {
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return nil, j.fail("prepare working directory", wrapFS(err))
	}
	j.workDir = workDir

	if err := j.checkpoint(ctx, "read container"); err != nil {
		return nil, err
	}

	container, err := os.ReadFile(ozipPath)
	if err != nil {
		return nil, j.fail("read container", wrapFS(err))
	}
	j.log.WithFields(logrus.Fields{"stage": "read container", "path": ozipPath, "size": len(container)}).
		Info("container loaded")

	if err := j.checkpoint(ctx, "decrypt"); err != nil {
		return nil, err
	}

	payload, usedKey, err := Decrypt(container, j.opts.Keys, CryptOptions{MaxWorkers: j.opts.MaxWorkers})
	if err != nil {
		return nil, j.fail("decrypt", err)
	}
	j.usedKey = usedKey
	j.log.WithFields(logrus.Fields{"stage": "decrypt", "key": usedKey.Label, "payload_size": len(payload)}).
		Info("container decrypted")

	j.payloadPath = filepath.Join(workDir, payloadArtifactName)
	if err := writeFileAtomic(j.payloadPath, payload); err != nil {
		return nil, j.fail("write payload", err)
	}

	if err := j.checkpoint(ctx, "locate entries"); err != nil {
		return nil, err
	}

	entries, err := ListArchive(payload)
	if err != nil {
		return nil, j.fail("list archive", err)
	}
	j.entries = entries

	deltaEntry, transferEntry, err := locateSystemEntries(entries)
	if err != nil {
		return nil, j.fail("locate entries", err)
	}
	j.deltaEntry = deltaEntry
	j.transferEntry = transferEntry
	j.log.WithFields(logrus.Fields{
		"stage":         "locate entries",
		"delta":         deltaEntry.Name,
		"transfer_list": transferEntry.Name,
		"entries":       len(entries),
	}).Info("system entries located")

	if err := j.checkpoint(ctx, "decompress delta"); err != nil {
		return nil, err
	}

	deltaBr, err := ReadArchiveEntry(payload, deltaEntry.Name)
	if err != nil {
		return nil, j.fail("read delta entry", err)
	}

	chunks, err := DecompressFrame(deltaBr)
	if err != nil {
		return nil, j.fail("decompress delta", err)
	}
	j.log.WithFields(logrus.Fields{"stage": "decompress delta", "compressed": len(deltaBr), "raw": len(chunks)}).
		Info("chunk stream decompressed")

	listText, err := ReadArchiveEntry(payload, transferEntry.Name)
	if err != nil {
		return nil, j.fail("read transfer list", err)
	}

	list, err := ParseTransferList(listText)
	if err != nil {
		return nil, j.fail("parse transfer list", err)
	}
	j.transferVersion = list.Version
	j.log.WithFields(logrus.Fields{
		"stage":    "parse transfer list",
		"version":  list.Version,
		"android":  androidRelease(list.Version),
		"blocks":   list.TotalBlocks,
		"commands": len(list.Commands),
	}).Debug("transfer list parsed")

	if !j.opts.DiscardIntermediates {
		if err := writeFileAtomic(filepath.Join(workDir, transferArtifactName), listText); err != nil {
			return nil, j.fail("write transfer list artifact", err)
		}
		if err := writeFileAtomic(filepath.Join(workDir, chunkArtifactName), chunks); err != nil {
			return nil, j.fail("write chunk artifact", err)
		}
	}

	if err := j.checkpoint(ctx, "materialize"); err != nil {
		return nil, err
	}

	image, err := Materialize(list, chunks, MaterializeOptions{
		StrictOverlap: j.opts.StrictOverlap,
		OnOverlap: func(w OverlapWarning) {
			j.log.WithFields(logrus.Fields{
				"stage":   "materialize",
				"command": w.CommandIndex,
				"op":      w.Op,
				"start":   w.Range.Start,
				"end":     w.Range.End,
			}).Warn("overlapping block write, keeping later data")
		},
	})
	if err != nil {
		return nil, j.fail("materialize", err)
	}

	imagePath := filepath.Join(workDir, imageArtifactName)
	if err := writeFileAtomic(imagePath, image); err != nil {
		return nil, j.fail("write image", err)
	}
	j.log.WithFields(logrus.Fields{
		"stage": "materialize",
		"path":  imagePath,
		"size":  len(image),
		"sha1":  sha1Hex(image),
	}).Info("raw image materialized")

	meta := jobMetadata{
		CreatedAt:         time.Now().UTC(),
		UsedKeyLabel:      usedKey.Label,
		DeltaEntry:        deltaEntry.Name,
		TransferListEntry: transferEntry.Name,
		TransferVersion:   list.Version,
		TotalBlocks:       list.TotalBlocks,
		PayloadSHA1:       sha1Hex(payload),
		ImageSHA1:         sha1Hex(image),
		Entries:           entries,
	}
	if err := j.writeMetadata(meta); err != nil {
		return nil, j.fail("write metadata", err)
	}

	return &UnpackResult{
		WorkDir:           workDir,
		ImagePath:         imagePath,
		UsedKey:           usedKey,
		Entries:           entries,
		DeltaEntry:        deltaEntry.Name,
		TransferListEntry: transferEntry.Name,
		TotalBlocks:       list.TotalBlocks,
	}, nil
}

// Repack substitutes the system partition with the replacement image and
// writes a freshly encrypted container to outputPath. The output appears
// atomically: it is written to a temporary path and renamed on success.
func (j *Job) Repack(ctx context.Context, replacementImagePath string, outputPath string) (string, error) {
	if j == nil {
		return "", ErrNilJob
	}
	if err := j.transition(StateUnpacked, StateRepacking); err != nil {
		return "", err
	}

	if err := j.repack(ctx, replacementImagePath, outputPath); err != nil {
		return "", err
	}

	j.setState(StateDone)
	return outputPath, nil
}

func (j *Job) repack(ctx context.Context, replacementImagePath string, outputPath string) error {
	info, err := os.Stat(replacementImagePath)
	if err != nil {
		return j.fail("stat replacement image", wrapFS(err))
	}

	if err := j.ensureFreeSpace(outputPath, info.Size()); err != nil {
		return j.fail("preflight free space", err)
	}

	if err := j.checkpoint(ctx, "delta encode"); err != nil {
		return err
	}

	image, err := os.ReadFile(replacementImagePath)
	if err != nil {
		return j.fail("read replacement image", wrapFS(err))
	}

	list, chunks, err := DeltaEncode(image)
	if err != nil {
		return j.fail("delta encode", err)
	}
	if j.transferVersion > 0 {
		// Keep the device's original list version so the recovery updater
		// parses the header the same way it did for stock firmware.
		list.Version = j.transferVersion
	}
	j.log.WithFields(logrus.Fields{"stage": "delta encode", "blocks": list.TotalBlocks, "image_sha1": sha1Hex(image)}).
		Info("replacement image delta encoded")

	if err := j.checkpoint(ctx, "compress delta"); err != nil {
		return err
	}

	deltaBr, err := CompressFrame(chunks, j.opts.FrameQuality)
	if err != nil {
		return j.fail("compress delta", err)
	}
	j.log.WithFields(logrus.Fields{"stage": "compress delta", "raw": len(chunks), "compressed": len(deltaBr)}).
		Info("chunk stream compressed")

	if err := j.checkpoint(ctx, "rewrite archive"); err != nil {
		return err
	}

	payload, err := os.ReadFile(j.payloadPath)
	if err != nil {
		return j.fail("reload payload", wrapFS(err))
	}

	rebuilt, err := RewriteArchive(payload, map[string][]byte{
		j.deltaEntry.Name:    deltaBr,
		j.transferEntry.Name: list.Encode(),
	})
	if err != nil {
		return j.fail("rewrite archive", err)
	}
	j.log.WithFields(logrus.Fields{"stage": "rewrite archive", "payload_size": len(rebuilt)}).
		Info("archive payload rebuilt")

	if err := j.checkpoint(ctx, "encrypt"); err != nil {
		return err
	}

	key := j.usedKey
	if j.opts.KeyOverride != nil {
		key = *j.opts.KeyOverride
	}
	if key.IsZero() && len(rebuilt) >= cipherChunkSize {
		return j.fail("encrypt", fmt.Errorf("%w: no key retained from unpack and no override given", ErrKeyNotFound))
	}

	container, err := Encrypt(rebuilt, key, CryptOptions{MaxWorkers: j.opts.MaxWorkers})
	if err != nil {
		return j.fail("encrypt", err)
	}
	j.log.WithFields(logrus.Fields{"stage": "encrypt", "key": key.Label, "size": len(container)}).
		Info("container encrypted")

	if err := j.checkpoint(ctx, "write output"); err != nil {
		return err
	}

	if err := writeFileAtomic(outputPath, container); err != nil {
		return j.fail("write output", err)
	}

	if j.opts.DiscardIntermediates {
		_ = os.Remove(j.payloadPath)
	}

	j.log.WithFields(logrus.Fields{"stage": "write output", "path": outputPath}).Info("conversion complete")
	return nil
}

// transition moves the state machine or reports the violating state.
func (j *Job) transition(from JobState, to JobState) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state != from {
		return fmt.Errorf("%w: %s requires %s, job is %s", ErrInvalidJobState, to, from, j.state)
	}

	j.state = to
	return nil
}

// setState moves to a terminal or settled state unconditionally.
func (j *Job) setState(state JobState) {
	j.mu.Lock()
	j.state = state
	j.mu.Unlock()
}

// fail marks the job failed and returns the stage-tagged error.
func (j *Job) fail(stage string, err error) error {
	tagged := fmt.Errorf("%s: %w", stage, err)

	j.mu.Lock()
	j.state = StateFailed
	j.failure = tagged
	j.mu.Unlock()

	j.log.WithFields(logrus.Fields{"stage": stage}).WithError(err).Error("pipeline stage failed")
	return tagged
}

// checkpoint is the cooperative cancellation point between stages.
// Cancellation is never checked mid-block.
func (j *Job) checkpoint(ctx context.Context, stage string) error {
	if err := ctx.Err(); err != nil {
		return j.fail(stage, err)
	}

	return nil
}

// ensureFreeSpace verifies the output filesystem can hold the intermediate
// artifacts plus the final container. This is a best-effort preflight; the
// hard guarantee stays with ENOSPC mapping on write.
func (j *Job) ensureFreeSpace(outputPath string, imageSize int64) error {
	dir := filepath.Dir(outputPath)

	usage, err := disk.Usage(dir)
	if err != nil {
		j.log.WithError(err).WithField("dir", dir).Warn("free space preflight unavailable")
		return nil
	}

	need := uint64(imageSize) * uint64(j.opts.SpaceFactor)
	if usage.Free < need {
		return fmt.Errorf("%w: need %d bytes, %d free in %s", ErrInsufficientSpace, need, usage.Free, dir)
	}

	return nil
}

// writeMetadata snapshots job metadata beside the artifacts.
func (j *Job) writeMetadata(meta jobMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}

	return writeFileAtomic(filepath.Join(j.workDir, metadataArtifactName), append(data, '\n'))
}

// writeFileAtomic writes data to a temporary file in the destination
// directory, syncs it, and renames over path, so consumers never observe a
// partially written artifact. ENOSPC surfaces as ErrInsufficientSpace.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".ozip2zip-*")
	if err != nil {
		return wrapFS(err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return wrapFS(err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return wrapFS(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return wrapFS(err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return wrapFS(err)
	}

	return nil
}

// wrapFS maps filesystem failures to the pipeline error taxonomy.
func wrapFS(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %v", ErrInsufficientSpace, err)
	}

	return fmt.Errorf("%w: %v", ErrIO, err)
}

// sha1Hex fingerprints an artifact for log and metadata output.
func sha1Hex(data []byte) string {
	sum := sha1.Sum(data) //nolint:gosec // fingerprint only
	return hex.EncodeToString(sum[:])
}
