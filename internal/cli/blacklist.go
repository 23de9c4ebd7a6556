package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"nodeimage/internal/blacklist"
)

func init() {
	blacklistAddCmd.Flags().String("reason", "manual", "reason stored with the entry")

	blacklistCmd.AddCommand(blacklistListCmd, blacklistAddCmd, blacklistRemoveCmd)
	rootCmd.AddCommand(blacklistCmd)
}

var blacklistCmd = &cobra.Command{
	Use:   "blacklist",
	Short: "Manage blocked upload clients",
}

var blacklistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List blocked client keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context(), false, true)
		if err != nil {
			return err
		}
		defer e.Close()

		entries, err := blacklist.NewRedisBlacklist(e.redis, e.cfg.Blacklist.Key).List(cmd.Context())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No blocked clients.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CLIENT\tREASON")
		for _, entry := range entries {
			fmt.Fprintf(w, "%s\t%s\n", entry.ClientKey, entry.Reason)
		}
		return w.Flush()
	},
}

var blacklistAddCmd = &cobra.Command{
	Use:   "add <client-key>",
	Short: "Block a client key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		e, err := openEnv(cmd.Context(), false, true)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := blacklist.NewRedisBlacklist(e.redis, e.cfg.Blacklist.Key).Add(cmd.Context(), args[0], reason); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "blocked %s\n", args[0])
		return nil
	},
}

var blacklistRemoveCmd = &cobra.Command{
	Use:     "rm <client-key>",
	Aliases: []string{"remove"},
	Short:   "Unblock a client key",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context(), false, true)
		if err != nil {
			return err
		}
		defer e.Close()

		removed, err := blacklist.NewRedisBlacklist(e.redis, e.cfg.Blacklist.Key).Remove(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("client %q is not blocked", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "unblocked %s\n", args[0])
		return nil
	},
}
