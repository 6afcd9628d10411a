// SPDX-License-Identifier: MIT
// Copyright (c) 2026 mughalh
// Source: github.com/mughalh/ozip2zip-back

/*
Package ozip2zip converts OPPO OZIP firmware containers to raw partition
images and back. Forward it decrypts a container, locates the sparse system
delta inside the ZIP payload, and materializes a raw ext4 image a stock image
editor can mount. Backward it takes a modified image, rebuilds the sparse
delta, substitutes it into the untouched payload, and re-encrypts the
container with the key found during unpack, so the result installs through
the stock recovery flow.

Container rules (summary):
  - payload is framed in 0x4000-byte chunks after a fixed 0x1050-byte header;
  - full chunks are AES-128-ECB transcoded independently;
  - a trailing short chunk is stored plaintext and round-trips verbatim;
  - the key carries no identifier, so it is found by trial decryption
    against the built-in catalog.

# One-shot conversion

Run both directions through a Job:

	job := ozip2zip.NewJob(ozip2zip.JobOptions{})
	res, err := job.Unpack(ctx, "firmware.ozip", "work/")
	if err != nil {
	    return err
	}
	// edit res.ImagePath with any ext4 tool, then:
	out, err := job.Repack(ctx, res.ImagePath, "patched.ozip")
	if err != nil {
	    return err
	}
	_ = out

# Container layer

Decrypt and re-encrypt without the pipeline:

	payload, key, err := ozip2zip.Decrypt(container, ozip2zip.Candidates(), ozip2zip.CryptOptions{})
	if err != nil {
	    return err
	}
	container2, err := ozip2zip.Encrypt(payload, key, ozip2zip.CryptOptions{})

Bring your own key when the catalog misses a device:

	key, err := ozip2zip.ParseKey("my-device", "d6eecf0ae5acd4b0e9daaf00e9a53557")

# Sparse image layer

Replay a transfer list into a raw image and build the replacement delta:

	list, err := ozip2zip.ParseTransferList(listText)
	if err != nil {
	    return err
	}
	img, err := ozip2zip.Materialize(list, chunks, ozip2zip.MaterializeOptions{})
	if err != nil {
	    return err
	}
	newList, newChunks, err := ozip2zip.DeltaEncode(modified)

# Archive layer

List, read, extract, and rewrite the decrypted payload. Rewrite preserves
untouched entries byte for byte; only substituted entries are recompressed:

	entries, err := ozip2zip.ListArchive(payload)
	if err != nil {
	    return err
	}
	rebuilt, err := ozip2zip.RewriteArchive(payload, map[string][]byte{
	    "system.new.dat.br":    newDelta,
	    "system.transfer.list": newList.Encode(),
	})
*/
package ozip2zip
