package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"mediaforge/internal/api"
)

var titleCaser = cases.Title(language.English)

// statusTitle renders "quality_conversion" or "completed" for humans.
func statusTitle(value string) string {
	value = strings.TrimSpace(strings.ReplaceAll(value, "_", " "))
	if value == "" {
		return "-"
	}
	return titleCaser.String(value)
}

func formatBytes(n int64) string {
	if n <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(n))
}

// formatAge renders an API timestamp relative to now ("3 minutes ago").
func formatAge(stamp string) string {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(stamp))
	if err != nil {
		return "-"
	}
	return humanize.Time(t)
}

func formatDuration(seconds float64) string {
	if seconds <= 0 {
		return "-"
	}
	return (time.Duration(seconds * float64(time.Second))).Round(100 * time.Millisecond).String()
}

func formatDimensions(width, height int) string {
	if width <= 0 || height <= 0 {
		return "-"
	}
	return fmt.Sprintf("%dx%d", width, height)
}

func formatProgress(job api.Job) string {
	return fmt.Sprintf("%s (%d%%)", job.Progress.Hint, job.Progress.Percent)
}

func statusKindForJob(status string) statusKind {
	switch status {
	case "completed":
		return statusOK
	case "failed":
		return statusError
	case "processing":
		return statusWarn
	default:
		return statusInfo
	}
}
