package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"mediaforge/internal/api"
	"mediaforge/internal/httpapi"
)

func newSourceCommand(ctx *commandContext) *cobra.Command {
	sourceCmd := &cobra.Command{
		Use:   "source",
		Short: "Register and inspect source media",
	}
	sourceCmd.AddCommand(newSourceAddCommand(ctx))
	sourceCmd.AddCommand(newSourceListCommand(ctx))
	sourceCmd.AddCommand(newSourceShowCommand(ctx))
	sourceCmd.AddCommand(newSourceJobsCommand(ctx))
	return sourceCmd
}

func newSourceAddCommand(ctx *commandContext) *cobra.Command {
	var name string
	var ingest bool

	cmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Register a stored media file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *httpapi.Client) error {
				resp, err := client.RegisterSource(cmd.Context(), api.RegisterSourceRequest{
					Path:         args[0],
					OriginalName: strings.TrimSpace(name),
					Ingest:       ingest,
				})
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Registered source %d (%s)\n", resp.Source.ID, resp.Source.Path)
				if resp.IngestJobID != "" {
					fmt.Fprintf(out, "Ingest job %s queued\n", resp.IngestJobID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Original file name (defaults to the base name)")
	cmd.Flags().BoolVar(&ingest, "ingest", true, "Queue an upload_ingest job that probes the file")
	return cmd
}

func newSourceListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *httpapi.Client) error {
				list, err := client.ListSources(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.SourceListResponse{Sources: list})
				}
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No sources")
					return nil
				}
				rows := make([][]string, 0, len(list))
				for _, src := range list {
					rows = append(rows, []string{
						strconv.FormatInt(src.ID, 10),
						src.OriginalName,
						formatBytes(src.SizeBytes),
						formatDuration(src.DurationSeconds),
						yesNo(src.Processed),
						formatAge(src.CreatedAt),
					})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Name", "Size", "Duration", "Probed", "Registered"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
}

func newSourceShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a registered source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSourceID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *httpapi.Client) error {
				src, err := client.Source(cmd.Context(), id)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, src)
				}
				rows := [][]string{
					{"ID", strconv.FormatInt(src.ID, 10)},
					{"Name", src.OriginalName},
					{"Path", src.Path},
					{"Size", formatBytes(src.SizeBytes)},
					{"Duration", formatDuration(src.DurationSeconds)},
					{"Dimensions", formatDimensions(src.Width, src.Height)},
					{"Probed", yesNo(src.Processed)},
					{"Registered", formatAge(src.CreatedAt)},
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows, nil))
				return nil
			})
		},
	}
}

func newSourceJobsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs <id>",
		Short: "List jobs that referenced a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSourceID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *httpapi.Client) error {
				list, err := client.SourceJobs(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJobList(cmd, ctx, list)
			})
		},
	}
}

func parseSourceID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid source id %q", raw)
	}
	return id, nil
}
