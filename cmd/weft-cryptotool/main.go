// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// weft-cryptotool is an operator CLI over a Weft crypto store. It
// inspects devices and sessions, applies trust decisions, and moves
// inbound group sessions between stores as CBOR bundles.
//
// The store is opened directly from the SQLite file; the tool never
// talks to a homeserver. Run it while the owning process is stopped,
// or against a copy of the store.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/weft-im/weft/crypto/store"
	"github.com/weft-im/weft/lib/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	subcommand := os.Args[1]
	args := os.Args[2:]
	switch subcommand {
	case "devices":
		return runDevices(args)
	case "trust":
		return runTrust(args)
	case "sessions":
		return runSessions(args)
	case "export":
		return runExport(args)
	case "import":
		return runImport(args)
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", subcommand)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: weft-cryptotool <subcommand> [flags]

Subcommands:
  devices     List a user's devices and their trust states
  trust       Set the trust state of a device
  sessions    List stored inbound group sessions
  export      Export inbound group sessions to a CBOR bundle
  import      Import a CBOR session bundle into the store

Run 'weft-cryptotool <subcommand> --help' for subcommand flags.

The store is located via --store, or via the crypto.store_path of the
config file named by --config or the WEFT_CONFIG environment variable.
`)
}

// storeFlags is the store-location flag pair shared by every
// subcommand.
type storeFlags struct {
	storePath  string
	configPath string
}

func (f *storeFlags) add(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.storePath, "store", "", "path to the crypto store SQLite file")
	flagSet.StringVar(&f.configPath, "config", "", "path to weft.yaml (default: $WEFT_CONFIG)")
}

// open resolves the store path and opens it. The explicit --store flag
// wins; otherwise the config file provides crypto.store_path.
func (f *storeFlags) open() (*store.SQLite, *config.Config, error) {
	var cfg *config.Config
	var err error
	if f.configPath != "" {
		cfg, err = config.LoadFile(f.configPath)
	} else if f.storePath == "" || os.Getenv("WEFT_CONFIG") != "" {
		cfg, err = config.Load()
	}
	if err != nil && f.storePath == "" {
		return nil, nil, err
	}

	path := f.storePath
	poolSize := 0
	if path == "" {
		path = cfg.Crypto.StorePath
		poolSize = cfg.Crypto.PoolSize
	}
	st, err := store.OpenSQLite(store.SQLiteConfig{Path: path, PoolSize: poolSize})
	if err != nil {
		return nil, nil, fmt.Errorf("opening store %s: %w", path, err)
	}
	return st, cfg, nil
}

func parseFlags(flagSet *pflag.FlagSet, args []string) (bool, error) {
	flagSet.BoolP("help", "h", false, "show help")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			flagSet.PrintDefaults()
			return true, nil
		}
		return false, err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flagSet.PrintDefaults()
		return true, nil
	}
	return false, nil
}

func withStore(f *storeFlags, fn func(ctx context.Context, st *store.SQLite, cfg *config.Config) error) error {
	st, cfg, err := f.open()
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(context.Background(), st, cfg)
}
