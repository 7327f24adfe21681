package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/gopherbridge/internal/daemon"
	"github.com/user/gopherbridge/internal/state"
	"github.com/user/gopherbridge/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionClearCmd, sessionDeleteCmd)
	sessionListCmd.Flags().String("source", "", "only list sessions from this platform")
}

// openSessions opens the state database next to a possibly running daemon;
// SQLite's busy timeout serializes the writers.
func openSessions() (*state.SessionStore, *sql.DB, error) {
	cfg := loadConfig()
	db, err := state.Open(filepath.Join(cfg.DataDir, daemon.DBFile))
	if err != nil {
		return nil, nil, err
	}
	return state.NewSessionStore(db, cfg.Session.MaxTurns), db, nil
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, db, err := openSessions()
		if err != nil {
			return err
		}
		defer db.Close()

		source, _ := cmd.Flags().GetString("source")
		list, err := store.ListSessions(context.Background(), source)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSOURCE\tCHANNEL\tTURNS\tLAST ACTIVE")
		for _, s := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				s.ID,
				s.Source,
				s.ChannelID,
				len(s.Turns),
				s.LastActive.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a session's stored conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, db, err := openSessions()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		id := types.SessionID(args[0])
		if _, err := store.GetByID(ctx, id); err != nil {
			return fmt.Errorf("session not found: %s", args[0])
		}
		fmt.Println(store.FormatContextForPrompt(ctx, id))
		return nil
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <id|all>",
	Short: "Clear the stored conversation of a session or all sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, db, err := openSessions()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		if args[0] == "all" {
			list, err := store.ListSessions(ctx, "")
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			for _, s := range list {
				store.ClearContext(ctx, s.ID)
			}
			fmt.Printf("%d sessions cleared.\n", len(list))
			return nil
		}

		if !store.ClearContext(ctx, types.SessionID(args[0])) {
			return fmt.Errorf("session not found: %s", args[0])
		}
		fmt.Fprintf(os.Stdout, "Session %s cleared.\n", args[0])
		return nil
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, db, err := openSessions()
		if err != nil {
			return err
		}
		defer db.Close()

		if !store.DeleteSession(context.Background(), types.SessionID(args[0])) {
			return fmt.Errorf("session not found: %s", args[0])
		}
		fmt.Fprintf(os.Stdout, "Session %s deleted.\n", args[0])
		return nil
	},
}
