// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"maunium.net/go/mautrix/id"

	"github.com/weft-im/weft/crypto"
	"github.com/weft-im/weft/crypto/store"
	"github.com/weft-im/weft/lib/config"
	"github.com/weft-im/weft/ratchet/olm"
)

func runDevices(args []string) error {
	flagSet := pflag.NewFlagSet("devices", pflag.ContinueOnError)
	var flags storeFlags
	flags.add(flagSet)
	if done, err := parseFlags(flagSet, args); done || err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("usage: weft-cryptotool devices [flags] <user-id>")
	}
	userID := id.UserID(flagSet.Arg(0))

	return withStore(&flags, func(ctx context.Context, st *store.SQLite, _ *config.Config) error {
		devices, err := st.GetUserDevices(ctx, userID)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DEVICE\tTRUST\tIDENTITY KEY\tFINGERPRINT\tSTATUS")
		for _, device := range devices {
			status := ""
			if device.Deleted {
				status = "deleted"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				device.DeviceID, device.Trust, device.IdentityKey,
				crypto.Fingerprint(device.SigningKey), status)
		}
		return w.Flush()
	})
}

func runTrust(args []string) error {
	flagSet := pflag.NewFlagSet("trust", pflag.ContinueOnError)
	var flags storeFlags
	flags.add(flagSet)
	if done, err := parseFlags(flagSet, args); done || err != nil {
		return err
	}
	if flagSet.NArg() != 3 {
		return fmt.Errorf("usage: weft-cryptotool trust [flags] <user-id> <device-id> <unverified|verified|blacklisted>")
	}
	userID := id.UserID(flagSet.Arg(0))
	deviceID := id.DeviceID(flagSet.Arg(1))
	state, err := store.ParseTrustState(flagSet.Arg(2))
	if err != nil {
		return err
	}

	return withStore(&flags, func(ctx context.Context, st *store.SQLite, _ *config.Config) error {
		device, err := st.GetDevice(ctx, userID, deviceID)
		if err != nil {
			return err
		}
		if device == nil {
			return fmt.Errorf("unknown device %s/%s", userID, deviceID)
		}
		if device.Trust == state {
			fmt.Printf("%s/%s already %s\n", userID, deviceID, state)
			return nil
		}
		previous := device.Trust
		device.Trust = state
		if err := st.PutDevice(ctx, device); err != nil {
			return err
		}
		fmt.Printf("%s/%s: %s -> %s\n", userID, deviceID, previous, state)
		return nil
	})
}

func runSessions(args []string) error {
	flagSet := pflag.NewFlagSet("sessions", pflag.ContinueOnError)
	var flags storeFlags
	var roomFilter string
	flags.add(flagSet)
	flagSet.StringVar(&roomFilter, "room", "", "only list sessions for this room ID")
	if done, err := parseFlags(flagSet, args); done || err != nil {
		return err
	}

	return withStore(&flags, func(ctx context.Context, st *store.SQLite, _ *config.Config) error {
		sessions, err := st.ListInboundGroupSessions(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ROOM\tSESSION\tSENDER KEY\tFIRST\tFLOOR\tPROVENANCE")
		for _, session := range sessions {
			if roomFilter != "" && session.RoomID != id.RoomID(roomFilter) {
				continue
			}
			provenance := "direct"
			if session.Forwarded {
				provenance = "forwarded"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				session.RoomID, session.SessionID, session.SenderKey,
				session.FirstKnownIndex, session.Floor, provenance)
		}
		return w.Flush()
	})
}

// pickleKey resolves the key protecting ratchet state at rest, from
// the flag or the config file.
func pickleKey(path string, cfg *config.Config) ([]byte, error) {
	if path == "" && cfg != nil {
		path = cfg.Crypto.PickleKeyFile
	}
	if path == "" {
		return nil, fmt.Errorf("a pickle key is required: pass --pickle-key-file or set crypto.pickle_key_file")
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pickle key: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("pickle key file %s is empty", path)
	}
	return key, nil
}

func runExport(args []string) error {
	flagSet := pflag.NewFlagSet("export", pflag.ContinueOnError)
	var flags storeFlags
	var outPath, roomFilter, keyPath string
	flags.add(flagSet)
	flagSet.StringVar(&outPath, "out", "", "output bundle file (required)")
	flagSet.StringVar(&roomFilter, "room", "", "only export sessions for this room ID")
	flagSet.StringVar(&keyPath, "pickle-key-file", "", "file holding the store's pickle key")
	if done, err := parseFlags(flagSet, args); done || err != nil {
		return err
	}
	if outPath == "" {
		return fmt.Errorf("--out is required")
	}

	return withStore(&flags, func(ctx context.Context, st *store.SQLite, cfg *config.Config) error {
		key, err := pickleKey(keyPath, cfg)
		if err != nil {
			return err
		}
		provider := olm.Provider{}

		records, err := st.ListInboundGroupSessions(ctx)
		if err != nil {
			return err
		}
		bundle := &crypto.SessionBundle{Version: 1}
		for _, record := range records {
			if roomFilter != "" && record.RoomID != id.RoomID(roomFilter) {
				continue
			}
			session, err := provider.InboundGroupFromPickled(record.Pickle, key)
			if err != nil {
				return fmt.Errorf("unpickling session %s: %w", record.SessionID, err)
			}
			sessionKey, err := session.Export(record.FirstKnownIndex)
			if err != nil {
				return fmt.Errorf("exporting session %s: %w", record.SessionID, err)
			}
			bundle.Sessions = append(bundle.Sessions, crypto.ExportedGroup{
				RoomID:          record.RoomID,
				SenderKey:       record.SenderKey,
				SessionID:       record.SessionID,
				SessionKey:      sessionKey,
				FirstKnownIndex: record.FirstKnownIndex,
			})
		}

		data, err := crypto.EncodeSessionBundle(bundle)
		if err != nil {
			return err
		}
		if err := os.WriteFile(outPath, data, 0o600); err != nil {
			return fmt.Errorf("writing bundle: %w", err)
		}
		fmt.Printf("exported %d sessions to %s\n", len(bundle.Sessions), outPath)
		return nil
	})
}

func runImport(args []string) error {
	flagSet := pflag.NewFlagSet("import", pflag.ContinueOnError)
	var flags storeFlags
	var inPath, keyPath string
	flags.add(flagSet)
	flagSet.StringVar(&inPath, "in", "", "bundle file to import (required)")
	flagSet.StringVar(&keyPath, "pickle-key-file", "", "file holding the store's pickle key")
	if done, err := parseFlags(flagSet, args); done || err != nil {
		return err
	}
	if inPath == "" {
		return fmt.Errorf("--in is required")
	}

	return withStore(&flags, func(ctx context.Context, st *store.SQLite, cfg *config.Config) error {
		key, err := pickleKey(keyPath, cfg)
		if err != nil {
			return err
		}
		provider := olm.Provider{}

		data, err := os.ReadFile(inPath)
		if err != nil {
			return fmt.Errorf("reading bundle: %w", err)
		}
		bundle, err := crypto.DecodeSessionBundle(data)
		if err != nil {
			return err
		}
		if bundle.Version != 1 {
			return fmt.Errorf("unsupported bundle version %d", bundle.Version)
		}

		imported, skipped := 0, 0
		for _, exported := range bundle.Sessions {
			session, err := provider.ImportInboundGroup(exported.SessionKey)
			if err != nil {
				return fmt.Errorf("importing session %s: %w", exported.SessionID, err)
			}
			if session.ID() != exported.SessionID {
				return fmt.Errorf("bundle entry %s contains key material for session %s", exported.SessionID, session.ID())
			}
			existing, err := st.GetInboundGroupSession(ctx, exported.RoomID, exported.SenderKey, exported.SessionID)
			if err != nil {
				return err
			}
			if existing != nil && existing.FirstKnownIndex <= session.FirstKnownIndex() {
				skipped++
				continue
			}
			pickle, err := session.Pickle(key)
			if err != nil {
				return fmt.Errorf("pickling session %s: %w", exported.SessionID, err)
			}
			record := &store.InboundGroupSession{
				RoomID:          exported.RoomID,
				SenderKey:       exported.SenderKey,
				SessionID:       exported.SessionID,
				Pickle:          pickle,
				FirstKnownIndex: session.FirstKnownIndex(),
				Floor:           session.FirstKnownIndex(),
				Forwarded:       true,
				CreatedAt:       time.Now(),
			}
			if err := st.PutInboundGroupSession(ctx, record); err != nil {
				return err
			}
			imported++
		}
		fmt.Printf("imported %d sessions (%d already held)\n", imported, skipped)
		return nil
	})
}
