// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/driftfs/driftfs/lib/codec"
	"github.com/driftfs/driftfs/lib/config"
	"github.com/driftfs/driftfs/overlay"
	"github.com/driftfs/driftfs/overlay/fsoverlay"
	"github.com/driftfs/driftfs/overlay/sqliteoverlay"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		printUsage()
		return 2
	}
	command := os.Args[1]

	var configPath string
	var ino uint64

	flagSet := pflag.NewFlagSet("driftfs-overlay "+command, pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to driftfs.yaml (default: DRIFTFS_CONFIG)")
	flagSet.Uint64Var(&ino, "ino", 0, "inode number")
	if err := flagSet.Parse(os.Args[2:]); err != nil {
		if err == pflag.ErrHelp {
			printUsage()
			return 0
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	switch command {
	case "info":
		err = showInfo(cfg)
	case "dir":
		if ino == 0 {
			fmt.Fprintln(os.Stderr, "error: dir requires --ino")
			return 2
		}
		err = showDir(cfg, overlay.InodeNumber(ino))
	case "meta":
		if ino == 0 {
			fmt.Fprintln(os.Stderr, "error: meta requires --ino")
			return 2
		}
		err = showMetadata(cfg, overlay.InodeNumber(ino))
	default:
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", command)
		printUsage()
		return 2
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

func printUsage() {
	fmt.Fprint(os.Stderr, `usage: driftfs-overlay <command> [flags]

commands:
  info          show backend, allocator state, and capacity
  dir  --ino N  print a directory record in CBOR diagnostic notation
  meta --ino N  print an inode's recorded mode bits

flags:
  --config PATH  path to driftfs.yaml (default: DRIFTFS_CONFIG)
`)
}

// openBackend opens the configured backend without initializing it
// through the overlay core, so inspection does not disturb the
// clean-shutdown marker.
func openBackend(cfg *config.Config) (overlay.Backend, error) {
	switch cfg.Overlay.Backend {
	case "fs":
		compression, err := fsoverlay.ParseCompressionTag(cfg.Overlay.Compression)
		if err != nil {
			return nil, err
		}
		return fsoverlay.Open(cfg.Paths.Overlay, compression)
	case "sqlite":
		return sqliteoverlay.Open(databasePath(cfg), cfg.Overlay.SQLitePoolSize, nil)
	default:
		return nil, fmt.Errorf("unknown overlay backend %q", cfg.Overlay.Backend)
	}
}

func databasePath(cfg *config.Config) string {
	return cfg.Paths.Overlay + "/overlay.db"
}

func showInfo(cfg *config.Config) error {
	fmt.Printf("backend:     %s\n", cfg.Overlay.Backend)
	fmt.Printf("overlay:     %s\n", cfg.Paths.Overlay)

	switch cfg.Overlay.Backend {
	case "fs":
		compression, err := fsoverlay.ParseCompressionTag(cfg.Overlay.Compression)
		if err != nil {
			return err
		}
		backend, err := fsoverlay.Open(cfg.Paths.Overlay, compression)
		if err != nil {
			return err
		}
		fmt.Printf("compression: %s\n", compression)

		nextInode, err := backend.ReadInfo()
		if err != nil {
			return err
		}
		if nextInode == 0 {
			fmt.Println("state:       not shut down cleanly (or currently open)")
		} else {
			fmt.Println("state:       clean")
			fmt.Printf("next inode:  %d\n", nextInode)
		}

		total, available, err := backend.StatFS()
		if err != nil {
			return err
		}
		fmt.Printf("capacity:    %d bytes total, %d available\n", total, available)
		return nil

	case "sqlite":
		backend, err := sqliteoverlay.Open(databasePath(cfg), cfg.Overlay.SQLitePoolSize, nil)
		if err != nil {
			return err
		}
		next, _, err := backend.Init()
		if err != nil {
			return err
		}
		fmt.Println("state:       clean (reservation-based)")
		fmt.Printf("next inode:  %d\n", next)
		// Close with the value Init read, leaving the stored
		// allocator state untouched.
		return backend.Close(next)

	default:
		return fmt.Errorf("unknown overlay backend %q", cfg.Overlay.Backend)
	}
}

func showDir(cfg *config.Config, ino overlay.InodeNumber) error {
	backend, err := openBackend(cfg)
	if err != nil {
		return err
	}
	record, err := backend.LoadDir(ino)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("inode %d has no directory record", ino)
	}

	// Re-encode to the canonical wire form and print it in CBOR
	// diagnostic notation, which shows exactly what is on disk
	// rather than a lossy Go rendering.
	wire, err := codec.Marshal(record)
	if err != nil {
		return err
	}
	diagnostic, err := codec.Diagnose(wire)
	if err != nil {
		return err
	}
	fmt.Println(diagnostic)
	return nil
}

func showMetadata(cfg *config.Config, ino overlay.InodeNumber) error {
	backend, err := openBackend(cfg)
	if err != nil {
		return err
	}
	mode, ok, err := backend.LoadMetadata(ino)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("inode %d has no metadata record", ino)
	}
	fmt.Printf("mode: %06o\n", mode)
	return nil
}
