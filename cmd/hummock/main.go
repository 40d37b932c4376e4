// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Command hummock inspects and maintains a hummock metadata store.
package main

import (
	"fmt"
	"os"
	"slices"
	"strconv"

	"github.com/hummockdb/hummock"
	"github.com/hummockdb/hummock/internal/base"
	"github.com/hummockdb/hummock/metastore/pebblestore"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var storeDir string

func main() {
	root := &cobra.Command{
		Use:           "hummock",
		Short:         "Inspect and maintain a hummock metadata store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&storeDir, "store", "", "path to the metadata store directory")
	_ = root.MarkPersistentFlagRequired("store")

	root.AddCommand(dumpCmd(), checkpointCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "hummock:", err)
		os.Exit(1)
	}
}

func openManager() (*hummock.Manager, error) {
	store, err := pebblestore.Open(storeDir)
	if err != nil {
		return nil, err
	}
	return hummock.Open(store, nil)
}

func dumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print the current version: groups, levels and tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := openManager()
			if err != nil {
				return err
			}
			defer m.Close()

			v := m.CurrentVersion()
			fmt.Fprintf(cmd.OutOrStdout(), "version %d, max committed epoch %d, safe epoch %d, %s\n\n",
				v.ID, v.MaxCommittedEpoch, v.SafeEpoch, m.LatestSnapshot())

			groups := tablewriter.NewWriter(cmd.OutOrStdout())
			groups.SetHeader([]string{"Group", "L0 Sublevels", "SSTs", "Size", "Tables"})
			for _, g := range v.GroupIDs() {
				levels := v.Levels[g]
				ssts := 0
				for _, sl := range levels.L0 {
					ssts += len(sl.Tables)
				}
				for _, lvl := range levels.Levels {
					ssts += len(lvl.Tables)
				}
				groups.Append([]string{
					strconv.FormatUint(uint64(g), 10),
					strconv.Itoa(len(levels.L0)),
					strconv.Itoa(ssts),
					strconv.FormatUint(levels.TotalFileSize(), 10),
					strconv.Itoa(v.StateTableInfo.GroupMemberCount(g)),
				})
			}
			groups.Render()
			fmt.Fprintln(cmd.OutOrStdout())

			tables := tablewriter.NewWriter(cmd.OutOrStdout())
			tables.SetHeader([]string{"Table", "Group", "Committed Epoch", "Safe Epoch"})
			info := v.StateTableInfo.Info()
			ids := make([]base.TableID, 0, len(info))
			for id := range info {
				ids = append(ids, id)
			}
			slices.Sort(ids)
			for _, id := range ids {
				ti := info[id]
				tables.Append([]string{
					strconv.FormatUint(uint64(id), 10),
					strconv.FormatUint(uint64(ti.CompactionGroupID), 10),
					strconv.FormatUint(uint64(ti.CommittedEpoch), 10),
					strconv.FormatUint(uint64(ti.SafeEpoch), 10),
				})
			}
			tables.Render()
			return nil
		},
	}
}

func checkpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Fold the delta log into a checkpoint and truncate it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := openManager()
			if err != nil {
				return err
			}
			defer m.Close()
			if err := m.Checkpoint(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checkpointed at version %d\n", m.CurrentVersion().ID)
			return nil
		},
	}
}
