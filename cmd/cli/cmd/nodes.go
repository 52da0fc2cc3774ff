package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List known worker nodes",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		nodes, err := newClient().Nodes()
		if err != nil {
			printAPIError(cmd, "Nodes", err)
			return
		}
		if len(nodes) == 0 {
			cmd.Println("No nodes have connected yet.")
			return
		}

		// "*" marks nodes with a live connection.
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		defer w.Flush()

		fmt.Fprintln(w, "MACHINE\tNAME\tSTATUS\tIP\tSUCCESS\tFAILED\tLAST SEEN")
		for _, n := range nodes {
			status := n.Status
			if n.Connected {
				status += "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
				n.MachineID, n.Name, status, n.IPAddress, n.TotalSuccess, n.TotalFailed, relativeTime(n.LastSeen)+" ago")
		}
	},
}

func init() {
	rootCmd.AddCommand(nodesCmd)
}
