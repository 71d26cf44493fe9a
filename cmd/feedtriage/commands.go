package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"FeedTriage/internal/app"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var backend string
	cmd := &cobra.Command{
		Use:   "run <topic>",
		Short: "Run the triage pipeline for a topic and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.Application, logger *slog.Logger) error {
				result, err := a.Run(cmd.Context(), args[0], app.RunOptions{Backend: backend})
				if err != nil {
					return err
				}
				logger.Info("run finished",
					"topic", result.Topic,
					"run_id", result.RunID,
					"accepted", len(result.Accepted),
					"scored", result.Scored)
				return writeJSON(cmd, result)
			})
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "Backend id or auto, overriding triage.backend")
	return cmd
}

func newClearCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <topic>",
		Short: "Remove every ledger record of a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.Application, _ *slog.Logger) error {
				removed, err := a.Clear(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d records for topic %s\n", removed, args[0])
				return nil
			})
		},
	}
}

func newLedgerCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "ledger <topic>",
		Short: "List the ledger records of a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.Application, _ *slog.Logger) error {
				records, err := a.Records(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, records)
				}
				if len(records) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No records")
					return nil
				}
				rows := make([][]string, 0, len(records))
				for _, r := range records {
					rows = append(rows, []string{
						r.Fingerprint[:min(12, len(r.Fingerprint))],
						r.CanonicalTitle,
						r.CanonicalURL,
						strconv.FormatFloat(r.Score, 'f', 2, 64),
						strings.Join(r.Tags, ", "),
						r.RecordedAt.Local().Format(time.DateTime),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Fingerprint", "Title", "URL", "Score", "Tags", "Recorded"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON")
	return cmd
}

func newRelinkCommand(ctx *commandContext) *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "relink <topic> <file>",
		Short: "Rewrite markdown heading links to the ledger's canonical URLs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[1], err)
			}
			return ctx.withApp(cmd.Context(), func(a *app.Application, _ *slog.Logger) error {
				out, _, err := a.Relink(cmd.Context(), args[0], string(raw))
				if err != nil {
					return err
				}
				if !write {
					_, err := fmt.Fprint(cmd.OutOrStdout(), out)
					return err
				}
				info, err := os.Stat(args[1])
				if err != nil {
					return err
				}
				return os.WriteFile(args[1], []byte(out), info.Mode().Perm())
			})
		},
	}
	cmd.Flags().BoolVarP(&write, "write", "w", false, "Rewrite the file in place instead of printing it")
	return cmd
}
