package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"workerhub/pkg/api"

	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit [task_type]",
	Short: "Submit a task",
	Long: fmt.Sprintf(`Submit a task to the controller.

The payload is a JSON document given inline with --payload or read from --file
("-" reads stdin). Known task types: %s.

In queue mode the controller answers with a tracking id. In rpc mode the call
blocks until a worker returns its report.

Example:
  hubctl submit login_check --payload '{"userId":"u1","password":"secret"}'
  hubctl submit meter_post --file meters.json`, joinTaskTypes()),
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		taskType := api.TaskType(args[0])
		if !taskType.Valid() {
			cmd.Printf("Error: unknown task type %q (known: %s)\n", taskType, joinTaskTypes())
			return
		}

		flags := cmd.Flags()
		inline, _ := flags.GetString("payload")
		file, _ := flags.GetString("file")

		payload, err := readPayload(inline, file)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}

		result, err := newClient().SubmitTask(api.SubmitTaskRequest{TaskType: taskType, Payload: payload})
		if err != nil {
			printAPIError(cmd, "Submit", err)
			return
		}

		if result.Queued != nil {
			cmd.Printf("✓ Task queued!\nTracking ID: %s\n", result.Queued.TrackingID)
			return
		}
		printReport(cmd, *result.Report)
	},
}

func readPayload(inline, file string) (json.RawMessage, error) {
	var raw []byte
	switch {
	case inline != "" && file != "":
		return nil, fmt.Errorf("use either --payload or --file, not both")
	case inline != "":
		raw = []byte(inline)
	case file == "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, err
		}
		raw = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		raw = b
	default:
		return nil, fmt.Errorf("--payload or --file is required")
	}

	if !json.Valid(raw) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func printReport(cmd *cobra.Command, r api.TaskReport) {
	if r.Succeeded() {
		cmd.Printf("%s Task completed: %d item(s)\n", statusIcon("completed"), r.Count)
	} else {
		cmd.Printf("%s Task failed: %d item(s), %d failed\n", statusIcon("failed"), r.Count, r.Failed)
		if r.Error != "" {
			cmd.Printf("%sError:%s %s\n", colorDim, colorReset, r.Error)
		}
	}
	if len(r.Data) > 0 {
		cmd.Println(string(r.Data))
	}
}

func joinTaskTypes() string {
	names := make([]string, len(api.TaskTypes))
	for i, t := range api.TaskTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

func init() {
	flags := submitCmd.Flags()
	flags.StringP("payload", "p", "", "Task payload as inline JSON")
	flags.StringP("file", "f", "", "Read the task payload from a file, or - for stdin")

	rootCmd.AddCommand(submitCmd)
}
