// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/driftfs/driftfs/lib/config"
	"github.com/driftfs/driftfs/overlay/fsoverlay"
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	var overlayPath string
	var repair bool
	var showProgress bool

	flagSet := pflag.NewFlagSet("driftfs-fsck", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to driftfs.yaml (default: DRIFTFS_CONFIG)")
	flagSet.StringVar(&overlayPath, "overlay", "", "overlay root to check (overrides the config file)")
	flagSet.BoolVar(&repair, "repair", false, "quarantine corrupt records after scanning")
	flagSet.BoolVar(&showProgress, "progress", false, "print scan progress")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	compression := fsoverlay.CompressionLZ4
	if overlayPath == "" {
		cfg, err := loadConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 2
		}
		if cfg.Overlay.Backend != "fs" {
			fmt.Fprintf(os.Stderr, "error: overlay backend is %q; only the fs backend has scan-based checking\n",
				cfg.Overlay.Backend)
			return 2
		}
		overlayPath = cfg.Paths.Overlay
		compression, err = fsoverlay.ParseCompressionTag(cfg.Overlay.Compression)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 2
		}
	}

	backend, err := fsoverlay.Open(overlayPath, compression)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	nextInode, err := backend.ReadInfo()
	if err != nil {
		logger.Warn("clean-shutdown marker unreadable, continuing", "error", err)
	} else if nextInode != 0 {
		logger.Info("store was shut down cleanly", "next_inode", nextInode)
	} else {
		logger.Warn("store was not shut down cleanly")
	}

	checker, err := backend.Checker()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	var progress func(scanned, total uint64)
	if showProgress {
		progress = func(scanned, total uint64) {
			fmt.Fprintf(os.Stderr, "\rscanning %d/%d", scanned, total)
			if scanned == total {
				fmt.Fprintln(os.Stderr)
			}
		}
	}
	if err := checker.ScanForErrors(progress); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	problems := checker.(*fsoverlay.Checker).Problems()
	for _, problem := range problems {
		fmt.Printf("%s: %s\n", problem.Path, problem.Reason)
	}
	fmt.Printf("scanned overlay at %s: %d problems, next inode %d\n",
		overlayPath, len(problems), checker.NextInodeNumber())

	if len(problems) == 0 {
		return 0
	}
	if !repair {
		fmt.Println("run with --repair to quarantine corrupt records")
		return 1
	}
	if err := checker.RepairErrors(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	fmt.Printf("quarantined %d records under %s/corrupt\n", len(problems), overlayPath)
	return 0
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}
