package cmd

import (
	"fmt"
	"strings"
	"time"

	"workerhub/pkg/api"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [tracking_id]",
	Short: "Get status of a task",
	Long: `Retrieve the current state of a task (queued, processing, completed, failed),
the worker it was dispatched to, its progress and, once finished, its result.

With --watch the command polls until the task reaches a terminal state.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		watch, _ := cmd.Flags().GetBool("watch")
		interval, _ := cmd.Flags().GetDuration("interval")
		client := newClient()

		for {
			job, err := client.GetTask(args[0])
			if err != nil {
				printAPIError(cmd, "Status", err)
				return
			}

			if !watch || isTerminal(job.Status) {
				printStatus(cmd, *job)
				return
			}
			cmd.Printf("%s %s\n", colorizeStatus(job.Status), progressBar(job.Progress))
			time.Sleep(interval)
		}
	},
}

func isTerminal(status string) bool {
	return status == "completed" || status == "failed"
}

func printStatus(cmd *cobra.Command, job api.JobResponse) {
	icon := statusIcon(job.Status)
	cmd.Printf("%s %sTask Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, job.RequestID)
	cmd.Printf("%sType:%s        %s\n", colorDim, colorReset, job.TaskType)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(job.Status))

	worker := job.WorkerName
	if worker == "" {
		worker = "-"
	}
	cmd.Printf("%sWorker:%s      %s\n", colorDim, colorReset, worker)
	cmd.Printf("%sProgress:%s    %s\n", colorDim, colorReset, progressBar(job.Progress))

	created := job.CreatedAt
	cmd.Printf("%sCreated:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(&created))

	if job.CompletedAt != nil {
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(job.CompletedAt),
			colorCyan, formatDuration(job.CompletedAt.Sub(job.CreatedAt)), colorReset)
	} else {
		cmd.Printf("%sFinished:%s    -\n", colorDim, colorReset)
	}

	if len(job.Result) > 0 {
		cmd.Printf("%sResult:%s      %s\n", colorDim, colorReset, string(job.Result))
	}
}

// progressBar renders "[#####-----] 5/10 last-item".
func progressBar(p api.Progress) string {
	const width = 20
	if p.Total <= 0 {
		if p.LastItem != "" {
			return p.LastItem
		}
		return "-"
	}
	filled := p.Current * width / p.Total
	if filled > width {
		filled = width
	}
	bar := fmt.Sprintf("[%s%s] %d/%d", strings.Repeat("#", filled), strings.Repeat("-", width-filled), p.Current, p.Total)
	if p.LastItem != "" {
		bar += " " + p.LastItem
	}
	return bar
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status string) string {
	switch status {
	case "completed", "online":
		return colorGreen + "✓" + colorReset
	case "failed":
		return colorRed + "✗" + colorReset
	case "processing":
		return colorYellow + "⏳" + colorReset
	case "queued":
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case "completed", "online":
		return icon + " " + colorGreen + status + colorReset
	case "failed":
		return icon + " " + colorRed + status + colorReset
	case "processing":
		return icon + " " + colorYellow + status + colorReset
	case "queued":
		return icon + " " + colorCyan + status + colorReset
	default:
		return status
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	statusCmd.Flags().BoolP("watch", "w", false, "Poll until the task finishes")
	statusCmd.Flags().Duration("interval", 2*time.Second, "Poll interval for --watch")
	rootCmd.AddCommand(statusCmd)
}
