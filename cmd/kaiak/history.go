// ABOUTME: The history command prints a session's event ledger from the SQLite store
// ABOUTME: Reads the database directly, so the gateway does not need to be running

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/kaiak-gateway/internal/store"
)

var (
	historyAfter uint64
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history [session-id]",
	Short: "Show stored sessions or one session's event ledger",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().Uint64Var(&historyAfter, "after", 0, "Only events with a higher sequence number")
	historyCmd.Flags().IntVar(&historyLimit, "limit", store.DefaultListLimit, "Maximum number of events")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print raw ledger entries as JSON lines")
}

func runHistory(cmd *cobra.Command, args []string) error {
	_, eff, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if eff.Init.StoragePath == "" {
		return errors.New("no storage configured; pass --storage or set init.storage_path")
	}

	st, err := store.NewSQLiteStore(eff.Init.StoragePath, slog.New(slog.DiscardHandler))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	out := cmd.OutOrStdout()
	if len(args) == 0 {
		return listSessions(cmd, st, out)
	}

	events, err := st.ListEvents(cmd.Context(), args[0], historyAfter, historyLimit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		if _, err := st.GetSession(cmd.Context(), args[0]); errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("session %s not found", args[0])
		}
	}

	for _, e := range events {
		if historyJSON {
			if err := json.NewEncoder(out).Encode(e); err != nil {
				return err
			}
			continue
		}
		var env streamEnvelope
		if err := json.Unmarshal(e.Payload, &env); err != nil {
			env = streamEnvelope{SessionID: e.SessionID, Sequence: e.Sequence, Timestamp: e.Timestamp, Kind: e.Method, Payload: e.Payload}
		}
		printEnvelope(out, env)
	}
	return nil
}

func listSessions(cmd *cobra.Command, st store.Store, out io.Writer) error {
	sessions, err := st.ListSessions(cmd.Context())
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "no sessions")
		return nil
	}

	bold := color.New(color.Bold)
	gray := color.New(color.FgHiBlack)
	for _, s := range sessions {
		bold.Fprintf(out, "%-36s", s.ID)
		fmt.Fprintf(out, " %-10s", s.Status)
		gray.Fprintf(out, " %s  %s\n", s.UpdatedAt.Local().Format("2006-01-02 15:04:05"), s.Workspace)
	}
	return nil
}
