package cmd

import (
	"sort"

	"workerhub/pkg/api"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show dashboard counters",
	Long:  `Show live worker count, pending work, job counts for today and lifetime, and per task type totals.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		stats, err := newClient().Stats()
		if err != nil {
			printAPIError(cmd, "Stats", err)
			return
		}
		printStats(cmd, *stats)
	},
}

func printStats(cmd *cobra.Command, s api.StatsResponse) {
	cmd.Printf("%sworkerhub%s\n", colorBold, colorReset)
	cmd.Println("──────────────────────────────")
	cmd.Printf("%sActive workers:%s %d\n", colorDim, colorReset, s.ActiveWorkers)
	cmd.Printf("%sPending:%s        %d\n", colorDim, colorReset, s.Pending)

	cmd.Printf("\n%-10s %8s %8s\n", "", "today", "lifetime")
	rows := []struct {
		name           string
		today, allTime int64
	}{
		{"queued", s.Today.Queued, s.Lifetime.Queued},
		{"processing", s.Today.Processing, s.Lifetime.Processing},
		{"completed", s.Today.Completed, s.Lifetime.Completed},
		{"failed", s.Today.Failed, s.Lifetime.Failed},
		{"total", s.Today.Total(), s.Lifetime.Total()},
	}
	for _, r := range rows {
		cmd.Printf("%-10s %8d %8d\n", r.name, r.today, r.allTime)
	}

	if len(s.ByTaskType) > 0 {
		cmd.Println()
		types := make([]string, 0, len(s.ByTaskType))
		for t := range s.ByTaskType {
			types = append(types, string(t))
		}
		sort.Strings(types)
		for _, t := range types {
			cmd.Printf("%-14s %d\n", t, s.ByTaskType[api.TaskType(t)])
		}
	}
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
