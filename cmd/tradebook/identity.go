package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tradebook/internal/identity"
)

var (
	signinUserID      string
	signinWorkspaceID string
	signinRole        string
)

var signinCmd = &cobra.Command{
	Use:   "signin",
	Short: "Sign in and link this device to a workspace",
	RunE:  runSignin,
}

func init() {
	signinCmd.Flags().StringVar(&signinUserID, "user", "", "User ID (required)")
	signinCmd.Flags().StringVar(&signinWorkspaceID, "workspace", "",
		"Workspace ID; omit to stay in local-only mode")
	signinCmd.Flags().StringVar(&signinRole, "role", "member",
		"Workspace role: owner, member")
	signinCmd.MarkFlagRequired("user")
}

func runSignin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	_, db, err := openLocalStore()
	if err != nil {
		return err
	}
	defer db.Close()

	provider, err := identity.NewProvider(ctx, db)
	if err != nil {
		return err
	}

	ident := identity.Context{
		UserID:      signinUserID,
		WorkspaceID: signinWorkspaceID,
		Role:        identity.Role(signinRole),
	}
	if err := provider.SignIn(ctx, ident); err != nil {
		return err
	}

	if signinWorkspaceID == "" {
		fmt.Fprintf(cmd.OutOrStdout(),
			"Signed in as %s (local-only; no workspace linked)\n", signinUserID)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(),
		"Signed in as %s in workspace %s (device %s)\n",
		signinUserID, signinWorkspaceID, provider.DeviceID())
	return nil
}

var signoutCmd = &cobra.Command{
	Use:   "signout",
	Short: "Sign out; local data stays, sync halts until next sign-in",
	RunE:  runSignout,
}

func runSignout(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	_, db, err := openLocalStore()
	if err != nil {
		return err
	}
	defer db.Close()

	provider, err := identity.NewProvider(ctx, db)
	if err != nil {
		return err
	}
	if err := provider.SignOut(ctx); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
	return nil
}
