package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mediaforge/internal/api"
	"mediaforge/internal/httpapi"
	"mediaforge/internal/jobs"
	"mediaforge/internal/transform"
)

func newJobCommand(ctx *commandContext) *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Submit and inspect transformation jobs",
	}
	jobCmd.AddCommand(newJobSubmitCommand(ctx))
	jobCmd.AddCommand(newJobStatusCommand(ctx))
	jobCmd.AddCommand(newJobWaitCommand(ctx))
	jobCmd.AddCommand(newJobListCommand(ctx))
	jobCmd.AddCommand(newJobArtifactsCommand(ctx))
	jobCmd.AddCommand(newJobResultCommand(ctx))
	jobCmd.AddCommand(newJobRetryCommand(ctx))
	return jobCmd
}

type submitFlags struct {
	sourceID  int64
	params    string
	qualities []string
	start     float64
	end       float64
}

func newJobSubmitCommand(ctx *commandContext) *cobra.Command {
	var flags submitFlags

	cmd := &cobra.Command{
		Use:   "submit <kind>",
		Short: "Queue a transformation of a registered source",
		Long: "Queue a transformation of a registered source.\n\nKinds: " + kindList() +
			".\nParameters come from --params JSON; trim accepts --start/--end and quality_conversion accepts --quality.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := jobs.ParseKind(args[0])
			if err != nil {
				return err
			}
			params, err := buildSubmitParams(cmd, kind, flags)
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *httpapi.Client) error {
				id, err := client.Submit(cmd.Context(), api.SubmitRequest{
					Kind:     string(kind),
					SourceID: flags.sourceID,
					Params:   params,
				})
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.SubmitResponse{JobID: id})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s queued\n", id)
				return nil
			})
		},
	}
	cmd.Flags().Int64VarP(&flags.sourceID, "source", "s", 0, "Source id to transform")
	cmd.Flags().StringVarP(&flags.params, "params", "p", "", "Job parameters as JSON")
	cmd.Flags().StringSliceVarP(&flags.qualities, "quality", "q", nil, "Quality tag for quality_conversion (repeatable)")
	cmd.Flags().Float64Var(&flags.start, "start", 0, "Trim start in seconds")
	cmd.Flags().Float64Var(&flags.end, "end", 0, "Trim end in seconds")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func buildSubmitParams(cmd *cobra.Command, kind jobs.Kind, flags submitFlags) (json.RawMessage, error) {
	raw := strings.TrimSpace(flags.params)
	if raw != "" {
		if !json.Valid([]byte(raw)) {
			return nil, errors.New("--params is not valid JSON")
		}
		return json.RawMessage(raw), nil
	}
	switch kind {
	case jobs.KindQualityConversion:
		if len(flags.qualities) == 0 {
			return nil, errors.New("quality_conversion needs --quality or --params")
		}
		return api.MarshalParams(transform.QualityConversionParams{Qualities: flags.qualities})
	case jobs.KindTrim:
		if !cmd.Flags().Changed("end") {
			return nil, errors.New("trim needs --end (and optionally --start) or --params")
		}
		return api.MarshalParams(transform.TrimParams{StartTime: flags.start, EndTime: flags.end})
	case jobs.KindUploadIngest:
		return nil, nil
	default:
		return nil, fmt.Errorf("%s needs --params", kind)
	}
}

func kindList() string {
	names := make([]string, 0, len(jobs.Kinds()))
	for _, k := range jobs.Kinds() {
		names = append(names, string(k))
	}
	return strings.Join(names, ", ")
}

func newJobStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's status and progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *httpapi.Client) error {
				job, err := client.Job(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJob(cmd, ctx, job)
			})
		},
	}
}

func newJobWaitCommand(ctx *commandContext) *cobra.Command {
	var timeout time.Duration
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Poll a job until it completes or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *httpapi.Client) error {
				deadline := time.Now().Add(timeout)
				for {
					job, err := client.Job(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					if job.Status == string(jobs.StatusCompleted) || job.Status == string(jobs.StatusFailed) {
						if err := printJob(cmd, ctx, job); err != nil {
							return err
						}
						if job.Status == string(jobs.StatusFailed) {
							return fmt.Errorf("job %s failed: %s", job.ID, job.ErrorMessage)
						}
						return nil
					}
					if timeout > 0 && time.Now().After(deadline) {
						return fmt.Errorf("job %s still %s after %s", job.ID, job.Status, timeout)
					}
					select {
					case <-cmd.Context().Done():
						return cmd.Context().Err()
					case <-time.After(interval):
					}
				}
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up after this long (0 waits forever)")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Polling interval")
	return cmd
}

func newJobListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *httpapi.Client) error {
				list, err := client.ListJobs(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				return printJobList(cmd, ctx, list)
			})
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by job status (repeatable)")
	return cmd
}

func newJobArtifactsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "artifacts <job-id>",
		Short: "List a job's outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *httpapi.Client) error {
				list, err := client.Artifacts(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.ArtifactListResponse{Artifacts: list})
				}
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No artifacts yet")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"Label", "Size", "Dimensions", "Duration", "Path"},
					artifactRows(list),
					[]columnAlignment{alignLeft, alignRight, alignLeft, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
}

func newJobResultCommand(ctx *commandContext) *cobra.Command {
	var label string
	var output string

	cmd := &cobra.Command{
		Use:   "result <job-id>",
		Short: "Show or download a completed job's output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *httpapi.Client) error {
				if strings.TrimSpace(output) != "" {
					return downloadResult(cmd, client, args[0], label, output)
				}
				artifact, err := client.Result(cmd.Context(), args[0], label)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, artifact)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n", artifact.Label, formatBytes(artifact.SizeBytes), artifact.Path)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&label, "label", "l", "", "Artifact label (quality tag) for multi-output jobs")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Download the artifact to this file")
	return cmd
}

func downloadResult(cmd *cobra.Command, client *httpapi.Client, jobID, label, output string) error {
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	tmp := output + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	n, err := client.DownloadResult(cmd.Context(), jobID, label, f)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, output); err != nil {
		return fmt.Errorf("finalize output: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s to %s\n", formatBytes(n), output)
	return nil
}

func newJobRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Resubmit a failed job as a new job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *httpapi.Client) error {
				id, err := client.Retry(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.SubmitResponse{JobID: id})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s queued as a retry of %s\n", id, args[0])
				return nil
			})
		},
	}
}

func printJob(cmd *cobra.Command, ctx *commandContext, job api.Job) error {
	if ctx.jsonOutput() {
		return writeJSON(cmd, job)
	}
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	lines := []string{
		renderStatusLine("Status", statusKindForJob(job.Status), statusTitle(job.Status), colorize),
		renderStatusLine("Kind", statusInfo, statusTitle(job.Kind), colorize),
		renderStatusLine("Source", statusInfo, strconv.FormatInt(job.SourceID, 10), colorize),
		renderStatusLine("Progress", statusInfo, formatProgress(job), colorize),
		renderStatusLine("Created", statusInfo, formatAge(job.CreatedAt), colorize),
	}
	if job.StartedAt != "" {
		lines = append(lines, renderStatusLine("Started", statusInfo, formatAge(job.StartedAt), colorize))
	}
	if job.CompletedAt != "" {
		lines = append(lines, renderStatusLine("Finished", statusInfo, formatAge(job.CompletedAt), colorize))
	}
	if job.RetryOf != "" {
		lines = append(lines, renderStatusLine("Retry of", statusInfo, job.RetryOf, colorize))
	}
	if job.ErrorMessage != "" {
		lines = append(lines, renderStatusLine("Error", statusError, job.ErrorMessage, colorize))
	}
	printSection(out, "Job "+job.ID, lines, colorize)
	return nil
}

func printJobList(cmd *cobra.Command, ctx *commandContext, list []api.Job) error {
	if ctx.jsonOutput() {
		return writeJSON(cmd, api.JobListResponse{Jobs: list})
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
		return nil
	}
	rows := make([][]string, 0, len(list))
	for _, job := range list {
		rows = append(rows, []string{
			job.ID,
			statusTitle(job.Kind),
			statusTitle(job.Status),
			formatProgress(job),
			strconv.FormatInt(job.SourceID, 10),
			formatAge(job.CreatedAt),
		})
	}
	fmt.Fprint(cmd.OutOrStdout(), renderTable(
		[]string{"ID", "Kind", "Status", "Progress", "Source", "Created"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	))
	return nil
}

func artifactRows(list []api.Artifact) [][]string {
	rows := make([][]string, 0, len(list))
	for _, a := range list {
		rows = append(rows, []string{
			a.Label,
			formatBytes(a.SizeBytes),
			formatDimensions(a.Width, a.Height),
			formatDuration(a.DurationSeconds),
			a.Path,
		})
	}
	return rows
}
