package clxd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func inspectCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:   "inspect",
		Usage:  "print the cached manifest as JSON, with key material redacted",
		Action: inspectAction(),
	}
}

type inspectDeviceKey struct {
	DeviceName string `json:"deviceName"`
	LastUsedAt int64  `json:"lastUsedAt"`
}

type inspectOutput struct {
	Version      int                         `json:"version"`
	UUID         string                      `json:"uuid"`
	LastSequence int64                       `json:"lastSequence"`
	ShardCount   int                         `json:"shardCount"`
	CryptoMode   string                      `json:"cryptoMode"`
	Devices      map[string]inspectDeviceKey `json:"devices,omitempty"`
}

func inspectAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		d, err := buildDeps(ctx, cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		m, err := d.manifestMgr.Open(ctx)
		if err != nil {
			return fmt.Errorf("clxd: opening manifest: %w", err)
		}

		out := inspectOutput{
			Version:      m.Version,
			UUID:         m.UUID,
			LastSequence: m.LastSequence,
			ShardCount:   len(m.ShardFiles),
			CryptoMode:   d.cryptoMode,
		}

		if m.Crypto != nil {
			out.Devices = make(map[string]inspectDeviceKey, len(m.Crypto.DeviceKey))
			for id, entry := range m.Crypto.DeviceKey {
				out.Devices[id] = inspectDeviceKey{DeviceName: entry.DeviceName, LastUsedAt: entry.LastUsedAt}
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}
}
