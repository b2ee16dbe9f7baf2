package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"mediaforge/internal/api"
	"mediaforge/internal/httpapi"
	"mediaforge/internal/jobs"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, queue, and dependency status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *httpapi.Client) error {
				status, err := client.Status(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, status)
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				printSection(out, "Daemon", daemonLines(status, client.BaseURL(), colorize), colorize)
				printSection(out, "Queue", queueLines(status, colorize), colorize)
				printSection(out, "Dependencies", dependencyLines(status.Dependencies, colorize), colorize)
				fmt.Fprint(out, renderJobCounts(status.JobCounts))
				return nil
			})
		},
	}
}

func daemonLines(status api.DaemonStatus, addr string, colorize bool) []string {
	running := statusOK
	if !status.Running {
		running = statusError
	}
	database := statusOK
	dbDetail := status.DatabasePath
	if status.DatabaseCheck != "" && status.DatabaseCheck != "ok" {
		database = statusError
		dbDetail += " (" + status.DatabaseCheck + ")"
	}
	lines := []string{
		renderStatusLine("Daemon", running, fmt.Sprintf("pid %d at %s", status.PID, addr), colorize),
		renderStatusLine("Database", database, dbDetail, colorize),
		renderStatusLine("Lock", statusInfo, status.LockFilePath, colorize),
	}
	dispatcher := status.Dispatcher
	kind := statusOK
	if !dispatcher.Running {
		kind = statusWarn
	}
	lines = append(lines, renderStatusLine("Dispatcher", kind,
		fmt.Sprintf("%d workers, %d units handled, running %s", dispatcher.Workers, dispatcher.Handled, yesNo(dispatcher.Running)), colorize))
	if dispatcher.LastError != "" {
		lines = append(lines, renderStatusLine("Last error", statusError, dispatcher.LastError, colorize))
	}
	return lines
}

func queueLines(status api.DaemonStatus, colorize bool) []string {
	return []string{
		renderStatusLine("Backend", statusInfo, statusTitle(status.QueueBackend), colorize),
		renderStatusLine("Ready", statusInfo, strconv.Itoa(status.Queue.Ready), colorize),
		renderStatusLine("In flight", statusInfo, strconv.Itoa(status.Queue.InFlight), colorize),
	}
}

func dependencyLines(list []api.DependencyStatus, colorize bool) []string {
	if len(list) == 0 {
		return []string{renderStatusLine("Dependencies", statusInfo, "none reported", colorize)}
	}
	lines := make([]string, 0, len(list))
	for _, dep := range list {
		kind := statusOK
		detail := dep.Command
		if !dep.Available {
			kind = statusError
			if dep.Optional {
				kind = statusWarn
			}
			detail = dep.Detail
		}
		lines = append(lines, renderStatusLine(dep.Name, kind, detail, colorize))
	}
	return lines
}

func renderJobCounts(counts map[string]int) string {
	rows := make([][]string, 0, len(jobs.Statuses()))
	for _, status := range jobs.Statuses() {
		rows = append(rows, []string{statusTitle(string(status)), strconv.Itoa(counts[string(status)])})
	}
	return renderTable([]string{"Jobs", "Count"}, rows, []columnAlignment{alignLeft, alignRight})
}
