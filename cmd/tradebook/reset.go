package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all local entities and change history",
	Long:  "Delete every entity, the entire change log, and all sync checkpoints from the local database. Identity and device ID are preserved. Anything never pushed to a backend is lost permanently.",
	RunE:  runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetYes, "yes", false,
		"Confirm the destructive reset")
}

func runReset(cmd *cobra.Command, args []string) error {
	if !resetYes {
		return errors.New("refusing to reset without --yes")
	}

	ctx := cmd.Context()

	_, db, err := openLocalStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Reset(ctx); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Local data reset.")
	return nil
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild all entities by replaying the local change log",
	RunE:  runRebuild,
}

func runRebuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	_, db, err := openLocalStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.RebuildFromChangeLog(ctx); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Entity state rebuilt from change log.")
	return nil
}
