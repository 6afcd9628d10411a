// SPDX-License-Identifier: MIT
// Copyright (c) 2026 mughalh
// Source: github.com/mughalh/ozip2zip-back

// Command ozip2zip converts OPPO OZIP firmware to raw system images and back.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	ozip2zip "github.com/mughalh/ozip2zip-back"
)

func main() {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "convert":
		err = runConvert(ctx, log, os.Args[2:])
	case "unpack":
		err = runUnpack(ctx, log, os.Args[2:])
	case "keys":
		err = runKeys(os.Args[2:])
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: ozip2zip <command> [flags]

Commands:
  convert   unpack a container, substitute a system image, repack
  unpack    decrypt a container and materialize the raw system image
  keys      list the built-in key catalog

Run "ozip2zip <command> -h" for command flags.
`)
}

// jobFlags holds options shared by convert and unpack.
type jobFlags struct {
	workDir string
	keyHex  string
	quality int
	workers int
	strict  bool
	discard bool
	verbose bool
}

func registerJobFlags(fs *flag.FlagSet, f *jobFlags) {
	fs.StringVar(&f.workDir, "work", "ozip2zip-work", "working directory for intermediate artifacts")
	fs.StringVar(&f.keyHex, "key", "", "32-char hex AES key, bypasses catalog trial")
	fs.IntVar(&f.quality, "quality", int(ozip2zip.DefaultFrameQuality), "brotli quality for the repacked delta (0-11)")
	fs.IntVar(&f.workers, "workers", 0, "parallel workers, 0 means all CPUs")
	fs.BoolVar(&f.strict, "strict-overlap", false, "fail on overlapping transfer list writes")
	fs.BoolVar(&f.discard, "discard", false, "remove intermediate artifacts when no longer needed")
	fs.BoolVar(&f.verbose, "v", false, "debug logging")
}

func (f *jobFlags) jobOptions(log *logrus.Logger) (ozip2zip.JobOptions, error) {
	if f.verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	opts := ozip2zip.JobOptions{
		Logger:               log,
		FrameQuality:         f.quality,
		MaxWorkers:           f.workers,
		StrictOverlap:        f.strict,
		DiscardIntermediates: f.discard,
	}

	if f.keyHex != "" {
		key, err := ozip2zip.ParseKey("cli", f.keyHex)
		if err != nil {
			return ozip2zip.JobOptions{}, err
		}

		opts.Keys = []ozip2zip.KeyEntry{key}
		opts.KeyOverride = &key
	}

	return opts, nil
}

func runConvert(ctx context.Context, log *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	var f jobFlags
	registerJobFlags(fs, &f)
	image := fs.String("image", "", "replacement system image (required)")
	output := fs.String("out", "", "output container path (required)")
	_ = fs.Parse(args)

	if fs.NArg() != 1 || *image == "" || *output == "" {
		fmt.Fprintln(os.Stderr, "usage: ozip2zip convert [flags] -image system.img -out patched.ozip <firmware.ozip>")
		os.Exit(2)
	}

	opts, err := f.jobOptions(log)
	if err != nil {
		return err
	}

	job := ozip2zip.NewJob(opts)
	res, err := job.Unpack(ctx, fs.Arg(0), f.workDir)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"key": res.UsedKey.Label, "image": res.ImagePath}).Info("unpacked")

	out, err := job.Repack(ctx, *image, *output)
	if err != nil {
		return err
	}

	fmt.Println(out)
	return nil
}

func runUnpack(ctx context.Context, log *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("unpack", flag.ExitOnError)
	var f jobFlags
	registerJobFlags(fs, &f)
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: ozip2zip unpack [flags] <firmware.ozip>")
		os.Exit(2)
	}

	opts, err := f.jobOptions(log)
	if err != nil {
		return err
	}

	res, err := ozip2zip.NewJob(opts).Unpack(ctx, fs.Arg(0), f.workDir)
	if err != nil {
		return err
	}

	fmt.Println(res.ImagePath)
	return nil
}

func runKeys(args []string) error {
	fs := flag.NewFlagSet("keys", flag.ExitOnError)
	_ = fs.Parse(args)

	for _, key := range ozip2zip.Candidates() {
		fmt.Printf("%x  %s\n", key.Key, key.Label)
	}

	return nil
}
