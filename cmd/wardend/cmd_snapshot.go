package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"warden/internal/snapshot"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage filesystem recovery snapshots",
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List managed snapshots, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := snapshotManager(cmd)
		snaps, err := mgr.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			fmt.Println("no snapshots")
			return nil
		}
		for _, s := range snaps {
			fmt.Printf("%s  %s  %s\n", s.CreatedAt.Format("2006-01-02 15:04:05"), s.Label, s.Name)
		}
		return nil
	},
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create [label]",
	Short: "Take a snapshot now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := snapshotManager(cmd)
		snap, err := mgr.Create(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("created %s\n", snap.Name)
		return nil
	},
}

var snapshotPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete snapshots older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := snapshotManager(cmd)
		removed, err := mgr.Prune(cmd.Context(), cfg.SnapshotRetention())
		if err != nil {
			return err
		}
		fmt.Printf("pruned %d snapshots\n", len(removed))
		for _, name := range removed {
			fmt.Println("  " + name)
		}
		return nil
	},
}

var snapshotRecoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Show the snapshot a rollback would arm",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := snapshotManager(cmd)
		snap, err := mgr.RecoveryPointer(cmd.Context())
		if err != nil {
			return err
		}
		if snap == nil {
			fmt.Println("no recovery point")
			return nil
		}
		fmt.Printf("%s  %s  %s\n", snap.CreatedAt.Format("2006-01-02 15:04:05"), snap.Label, snap.Name)
		return nil
	},
}

var snapshotRollbackCmd = &cobra.Command{
	Use:   "rollback [name]",
	Short: "Arm a snapshot as the default subvolume for the next boot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := snapshotManager(cmd)
		if err := mgr.Rollback(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("%s becomes the root filesystem on next boot\n", args[0])
		return nil
	},
}

func snapshotManager(cmd *cobra.Command) *snapshot.Manager {
	mgr := snapshot.NewManager(cfg.Snapshot)
	mgr.Probe(cmd.Context())
	return mgr
}

func init() {
	snapshotCmd.AddCommand(snapshotListCmd, snapshotCreateCmd, snapshotPruneCmd,
		snapshotRecoveryCmd, snapshotRollbackCmd)
}
