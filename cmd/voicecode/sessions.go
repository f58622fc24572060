package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/voicecode/voicecode/internal/store"
)

func newSessionsCmd(configPath *string) *cobra.Command {
	var archived bool

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions known to the backend",
		Long:  "Connects, requests the current session list and prints it. With --archived the locally archived sessions are printed instead, without connecting.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessions(cmd, *configPath, archived)
		},
	}

	cmd.Flags().BoolVar(&archived, "archived", false, "list locally archived sessions instead of live ones")
	return cmd
}

func runSessions(cmd *cobra.Command, configPath string, archived bool) error {
	c, err := newClient(configPath)
	if err != nil {
		return err
	}
	defer c.close()

	out := cmd.OutOrStdout()

	if archived {
		if c.archive == nil {
			return fmt.Errorf("history archive is disabled in the configuration")
		}
		records, err := c.archive.Sessions()
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Fprintln(out, "no archived sessions")
			return nil
		}
		for _, rec := range records {
			modified := ""
			if !rec.LastModified.IsZero() {
				modified = rec.LastModified.Local().Format(time.DateTime)
			}
			fmt.Fprintf(out, "%s  %-24s %s\n", rec.ID, rec.Name, modified)
		}
		return nil
	}

	// The list arrives asynchronously as a snapshot frame.
	listCh := make(chan []store.Session, 1)
	unsub := c.dispatcher.Store().OnSessionListReplaced(func(sessions []store.Session) {
		select {
		case listCh <- sessions:
		default:
		}
	})
	defer unsub()

	if err := c.dispatcher.Connect(cmd.Context()); err != nil {
		return fmt.Errorf("connect to %s: %w", c.cfg.Server.URL, err)
	}
	if err := c.dispatcher.RefreshSessions(); err != nil {
		return err
	}

	select {
	case sessions := <-listCh:
		printSessions(out, sessions)
		return nil
	case <-time.After(c.cfg.Server.RequestTimeout):
		return fmt.Errorf("timed out waiting for the session list")
	case <-cmd.Context().Done():
		return cmd.Context().Err()
	}
}
