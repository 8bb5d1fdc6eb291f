// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/manfredsteger/polly/client"
	"github.com/manfredsteger/polly/protocol"
)

type draftEntry struct {
	optionID string
	response protocol.Response
}

// parseResponses reads option=response pairs. "none" clears an option.
func parseResponses(args []string) ([]draftEntry, error) {
	seen := make(map[string]bool, len(args))
	out := make([]draftEntry, 0, len(args))
	for _, arg := range args {
		id, value, ok := strings.Cut(arg, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("expected <option>=<response>, got %q", arg)
		}
		if seen[id] {
			return nil, fmt.Errorf("option %q given twice", id)
		}
		seen[id] = true

		value = strings.ToLower(strings.TrimSpace(value))
		resp := protocol.Response(value)
		if value == "none" {
			resp = protocol.ResponseNone
		}
		if value == "" || !resp.Valid() {
			return nil, fmt.Errorf("invalid response %q for %s (want yes, no, maybe or none)", value, id)
		}
		out = append(out, draftEntry{optionID: id, response: resp})
	}
	return out, nil
}

func voteCommand() *cobra.Command {
	var name, email string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "vote <poll-token> <option>=<yes|no|maybe|none>...",
		Short: "Draft the given responses, submit them and leave",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := parseResponses(args[1:])
			if err != nil {
				return err
			}
			name = strings.TrimSpace(name)
			if name == "" {
				return errors.New("--name is required")
			}

			logger := commonRun()
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			joined := make(chan struct{}, 1)
			outcome := make(chan error, 1)
			report := func(err error) {
				select {
				case outcome <- err:
				default:
				}
			}

			opts := sessionOptions(args[0], logger)
			opts.VoterName = name
			opts.VoterEmail = email
			opts.Callbacks = client.Callbacks{
				OnConnectionChange: func(connected bool) {
					if connected {
						select {
						case joined <- struct{}{}:
						default:
						}
					}
				},
				OnVoteFinalized: func(voter string) {
					if voter == name {
						report(nil)
					}
				},
				OnCapacityExceeded: func(optionID string) {
					report(fmt.Errorf("option %s is full", optionID))
				},
				OnError: func(message string) {
					report(errors.New(message))
				},
			}

			s, err := client.Connect(ctx, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			select {
			case <-joined:
			case err := <-outcome:
				return fmt.Errorf("could not join poll: %w", err)
			case <-ctx.Done():
				return fmt.Errorf("could not join poll: %w", ctx.Err())
			}

			for _, e := range entries {
				if err := s.UpdateDraft(e.optionID, e.response); err != nil {
					return err
				}
			}
			if err := s.Submit(); err != nil {
				return err
			}

			select {
			case err := <-outcome:
				if err != nil {
					return fmt.Errorf("vote rejected: %w", err)
				}
			case <-ctx.Done():
				return fmt.Errorf("no answer from server: %w", ctx.Err())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Vote submitted as %s (%d responses)\n", name, len(entries))
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "display name (required)")
	cmd.Flags().StringVar(&email, "email", "", "email, used as voter identity when set")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "give up after this long")
	return cmd
}
