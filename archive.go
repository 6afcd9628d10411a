// SPDX-License-Identifier: MIT
// Copyright (c) 2026 mughalh
// Source: github.com/mughalh/ozip2zip-back

package ozip2zip

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// extractCopyBufferSize defines per-worker buffer size for entry copy during extraction.
const extractCopyBufferSize = 64 * 1024

// ListArchive parses the decrypted ZIP payload and returns entry metadata in
// central directory order.
func ListArchive(payload []byte) ([]EntryInfo, error) {
	zr, err := newZipReader(payload)
	if err != nil {
		return nil, err
	}

	entries := make([]EntryInfo, 0, len(zr.File))
	for _, f := range zr.File {
		entries = append(entries, entryInfoFromFile(f))
	}

	return entries, nil
}

// ReadArchiveEntry returns the decompressed content of one named entry.
func ReadArchiveEntry(payload []byte, name string) ([]byte, error) {
	zr, err := newZipReader(payload)
	if err != nil {
		return nil, err
	}

	f := findArchiveFile(zr, name)
	if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrArchiveFormat, name, err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrArchiveFormat, name, err)
	}

	return data, nil
}

// RewriteArchive rebuilds the payload with the named entries replaced.
// Untouched entries are copied raw: same name, order, method, and
// byte-identical compressed content, which is what recovery validators check.
// Replaced entries are recompressed under their original method with fresh
// sizes and CRC.
func RewriteArchive(payload []byte, replacements map[string][]byte) ([]byte, error) {
	zr, err := newZipReader(payload)
	if err != nil {
		return nil, err
	}

	pending := make(map[string][]byte, len(replacements))
	for name, data := range replacements {
		pending[NormalizeEntryName(name)] = data
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, f := range zr.File {
		key := NormalizeEntryName(f.Name)
		if data, ok := pending[key]; ok {
			if err := writeReplacedEntry(zw, f, data); err != nil {
				return nil, err
			}

			delete(pending, key)
			continue
		}

		if err := copyRawEntry(zw, f); err != nil {
			return nil, err
		}
	}

	if len(pending) > 0 {
		missing := make([]string, 0, len(pending))
		for name := range pending {
			missing = append(missing, name)
		}

		_ = zw.Close()
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, strings.Join(missing, ", "))
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: finalize: %v", ErrArchiveFormat, err)
	}

	return buf.Bytes(), nil
}

// ExtractArchive writes selected payload entries to dstDir. Extraction is
// parallelized by MaxWorkers; on failure it returns the first encountered error.
func ExtractArchive(ctx context.Context, payload []byte, dstDir string, opts ExtractOptions) error {
	opts.applyDefaults()

	zr, err := newZipReader(payload)
	if err != nil {
		return err
	}

	selected := make(map[string]struct{}, len(opts.Entries))
	for _, name := range opts.Entries {
		selected[NormalizeEntryName(name)] = struct{}{}
	}

	dstRootAbs, err := filepath.Abs(dstDir)
	if err != nil {
		return fmt.Errorf("resolve output dir: %w", err)
	}
	if err := os.MkdirAll(dstRootAbs, 0o750); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tasks := make([]*zip.File, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if opts.Entries != nil {
			if _, ok := selected[NormalizeEntryName(f.Name)]; !ok {
				continue
			}
		}

		tasks = append(tasks, f)
	}

	if len(tasks) == 0 {
		return nil
	}

	if err := prepareExtractDirs(dstRootAbs, tasks); err != nil {
		return err
	}

	workers := opts.MaxWorkers
	if workers > len(tasks) {
		workers = len(tasks)
	}

	taskCh := make(chan *zip.File, len(tasks))
	errCh := make(chan error, len(tasks))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Go(func() {
			copyBuf := make([]byte, extractCopyBufferSize)
			for task := range taskCh {
				err := extractOneEntry(ctx, dstRootAbs, task, copyBuf, opts.OnEntryDone)
				select {
				case errCh <- err:
				case <-ctx.Done():
					return
				}
			}
		})
	}

	for _, task := range tasks {
		select {
		case <-ctx.Done():
			close(taskCh)
			wg.Wait()
			return ctx.Err()
		case taskCh <- task:
		}
	}

	close(taskCh)
	wg.Wait()
	close(errCh)

	var first error
	for err := range errCh {
		if err != nil && first == nil {
			first = err
		}
	}

	return first
}

// newZipReader opens the in-memory payload as a ZIP central directory.
func newZipReader(payload []byte) (*zip.Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveFormat, err)
	}

	return zr, nil
}

// findArchiveFile resolves one entry by normalized name.
func findArchiveFile(zr *zip.Reader, name string) *zip.File {
	lookup := NormalizeEntryName(name)
	for _, f := range zr.File {
		if NormalizeEntryName(f.Name) == lookup {
			return f
		}
	}

	return nil
}

// entryInfoFromFile converts zip metadata to EntryInfo.
func entryInfoFromFile(f *zip.File) EntryInfo {
	return EntryInfo{
		Name:             f.Name,
		Comment:          f.Comment,
		CompressedSize:   f.CompressedSize64,
		UncompressedSize: f.UncompressedSize64,
		CRC32:            f.CRC32,
		Method:           f.Method,
		Modified:         f.Modified,
	}
}

// copyRawEntry clones one source entry without recompression.
func copyRawEntry(zw *zip.Writer, f *zip.File) error {
	header := f.FileHeader

	w, err := zw.CreateRaw(&header)
	if err != nil {
		return fmt.Errorf("%w: clone %s: %v", ErrArchiveFormat, f.Name, err)
	}

	rc, err := f.OpenRaw()
	if err != nil {
		return fmt.Errorf("%w: open raw %s: %v", ErrArchiveFormat, f.Name, err)
	}

	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("%w: copy %s: %v", ErrArchiveFormat, f.Name, err)
	}

	return nil
}

// writeReplacedEntry writes new content under the source entry's identity.
func writeReplacedEntry(zw *zip.Writer, f *zip.File, data []byte) error {
	header := &zip.FileHeader{
		Name:     f.Name,
		Comment:  f.Comment,
		Method:   f.Method,
		Modified: f.Modified,
	}

	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("%w: replace %s: %v", ErrArchiveFormat, f.Name, err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrArchiveFormat, f.Name, err)
	}

	return nil
}

// prepareExtractDirs creates all unique parent directories needed by tasks.
func prepareExtractDirs(dstRootAbs string, tasks []*zip.File) error {
	seen := make(map[string]struct{}, len(tasks))
	for _, f := range tasks {
		rel, err := sanitizeExtractPath(f.Name)
		if err != nil {
			return err
		}

		dir := filepath.Dir(filepath.Join(dstRootAbs, rel))
		if _, exists := seen[dir]; exists {
			continue
		}

		seen[dir] = struct{}{}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create output directory %s: %w", dir, err)
		}
	}

	return nil
}

// extractOneEntry writes one entry to destination root.
func extractOneEntry(
	ctx context.Context,
	dstRootAbs string,
	f *zip.File,
	copyBuf []byte,
	onEntryDone func(entry EntryInfo, written int64, outputPath string),
) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	rel, err := sanitizeExtractPath(f.Name)
	if err != nil {
		return err
	}
	outPath := filepath.Join(dstRootAbs, rel)

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrArchiveFormat, f.Name, err)
	}
	defer func() { _ = rc.Close() }()

	file, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", outPath, err)
	}

	written, copyErr := io.CopyBuffer(file, rc, copyBuf)
	closeErr := file.Close()
	if copyErr != nil {
		return fmt.Errorf("write %s: %w", f.Name, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", f.Name, closeErr)
	}

	if onEntryDone != nil {
		onEntryDone(entryInfoFromFile(f), written, outPath)
	}

	return nil
}
