// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/manfredsteger/polly/client"
)

const clearScreen = "\033[H\033[2J"

func watchCommand() *cobra.Command {
	var name string
	var presenter bool

	cmd := &cobra.Command{
		Use:   "watch <poll-token>",
		Short: "Print presence, drafts and slots as they change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := commonRun()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			redraw := interactive()

			opts := sessionOptions(args[0], logger)
			opts.VoterName = name
			opts.IsPresenter = presenter || name == ""
			opts.Callbacks = client.Callbacks{
				OnStateChange: func(st client.State) {
					if redraw {
						fmt.Fprint(out, clearScreen)
					}
					render(out, st, time.Now())
				},
				OnConnectionChange: func(connected bool) {
					if !connected {
						fmt.Fprintln(out, "-- connection lost, reconnecting")
					}
				},
				OnVoteFinalized: func(voter string) {
					fmt.Fprintf(out, "-- %s submitted\n", voter)
				},
				OnResultsRefresh: func() {
					fmt.Fprintln(out, "-- results changed")
				},
				OnError: func(message string) {
					fmt.Fprintf(out, "-- server: %s\n", message)
				},
			}

			s, err := client.Connect(ctx, opts)
			if err != nil {
				return err
			}
			<-ctx.Done()
			return s.Close()
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "display name (omit to watch as presenter)")
	cmd.Flags().BoolVar(&presenter, "presenter", false, "join as presenter")
	return cmd
}

// render writes a plain-text view of st.
func render(w io.Writer, st client.State, now time.Time) {
	fmt.Fprintf(w, "Participants (%d):\n", len(st.Participants))
	for _, p := range st.Participants {
		label := p.DisplayName
		if label == "" {
			label = "(unnamed)"
		}
		if p.IsPresenter {
			label += " [presenter]"
		}
		fmt.Fprintf(w, "  %-24s joined %s\n", label, humanize.RelTime(p.ConnectedAt, now, "ago", "from now"))
	}

	fmt.Fprintln(w, "Slots:")
	for _, id := range sortedKeys(st.Slots) {
		slot := st.Slots[id]
		if slot.MaxCapacity == nil {
			fmt.Fprintf(w, "  %-24s %s yes\n", id, humanize.Comma(int64(slot.CurrentCount)))
			continue
		}
		state := ""
		if st.Full(id) {
			state = " FULL"
		}
		fmt.Fprintf(w, "  %-24s %d/%d%s\n", id, slot.CurrentCount, *slot.MaxCapacity, state)
	}

	if len(st.LiveDrafts) == 0 {
		return
	}
	fmt.Fprintln(w, "Drafting:")
	for _, voter := range sortedKeys(st.LiveDrafts) {
		draft := st.LiveDrafts[voter]
		parts := make([]string, 0, len(draft))
		for _, id := range sortedKeys(draft) {
			resp := string(draft[id])
			if resp == "" {
				resp = "-"
			}
			parts = append(parts, id+"="+resp)
		}
		fmt.Fprintf(w, "  %-24s %s\n", voter, strings.Join(parts, " "))
	}
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
