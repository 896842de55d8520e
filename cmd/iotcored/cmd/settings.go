/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"fmt"
	"os"

	"github.com/facebookincubator/iotcore/cmd/iotcored/daemon"
	"github.com/facebookincubator/iotcore/settings"
	"github.com/facebookincubator/iotcore/settings/retentionbackend"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var settingsSnapshotFlag string

// settingsCmd groups the offline maintenance subcommands a device's
// settings partition needs outside of a live serve process, mirroring
// ptpcheck's one-verb-per-subcommand cmd package.
var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Inspect or maintain a settings backend offline",
}

func init() {
	RootCmd.AddCommand(settingsCmd)
	settingsCmd.PersistentFlags().StringVar(&settingsSnapshotFlag, "snapshot", "", "path to a retentionbackend snapshot file (retention backend only; other backends start empty)")
	settingsCmd.AddCommand(settingsDumpCmd)
	settingsCmd.AddCommand(settingsCompactCmd)
}

// loadSnapshotBackend builds the configured backend and, for the
// retention backend with --snapshot set, restores it from disk via
// retentionbackend's wire-format Decode.
func loadSnapshotBackend() (settings.Backend, *daemon.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Backend == daemon.BackendRetention && settingsSnapshotFlag != "" {
		data, err := os.ReadFile(settingsSnapshotFlag)
		if err != nil {
			return nil, nil, fmt.Errorf("reading snapshot: %w", err)
		}
		b, err := retentionbackend.Decode(data, cfg.BackendCapacity)
		if err != nil {
			return nil, nil, fmt.Errorf("decoding snapshot: %w", err)
		}
		return b, cfg, nil
	}
	return daemon.NewBackend(cfg), cfg, nil
}

var settingsDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print every live (name, value) record in a settings backend",
	RunE: func(c *cobra.Command, args []string) error {
		backend, _, err := loadSnapshotBackend()
		if err != nil {
			return err
		}
		store := settings.NewStore(backend)

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"name", "len", "value"})
		err = store.LoadInto("", func(key string, valLen int, rd settings.ReadCB) error {
			val := make([]byte, valLen)
			if _, err := rd(val); err != nil {
				return err
			}
			table.Append([]string{key, fmt.Sprintf("%d", valLen), fmt.Sprintf("%q", val)})
			return nil
		})
		if err != nil {
			return err
		}
		table.Render()
		return nil
	},
}

var settingsCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Force a compaction pass over a log-structured settings backend",
	RunE: func(c *cobra.Command, args []string) error {
		backend, _, err := loadSnapshotBackend()
		if err != nil {
			return err
		}
		compactable, ok := backend.(interface{ Compact() })
		if !ok {
			log.Warnf("settings compact: %T has no explicit compaction pass (it compacts automatically or has no on-media layout to reclaim)", backend)
			return nil
		}
		compactable.Compact()
		fmt.Println("compaction complete")
		return nil
	},
}
