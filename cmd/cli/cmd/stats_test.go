package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"workerhub/pkg/api"
)

func TestStatsCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.StatsResponse{
			ActiveWorkers: 4,
			Pending:       7,
			Today:         api.StatusCounts{Completed: 2, Failed: 1},
			Lifetime:      api.StatusCounts{Queued: 5, Completed: 40, Failed: 3},
			ByTaskType:    map[api.TaskType]int64{api.TaskMeterPost: 30, api.TaskLoginCheck: 18},
		})
	}))
	defer server.Close()

	out := execute(t, server.URL, "stats")

	rows := map[string][]string{
		"completed":   {"2", "40"},
		"failed":      {"1", "3"},
		"total":       {"3", "48"},
		"meter_post":  {"30"},
		"login_check": {"18"},
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if want, ok := rows[fields[0]]; ok {
			if strings.Join(fields[1:], " ") != strings.Join(want, " ") {
				t.Errorf("row %s: got %v, want %v", fields[0], fields[1:], want)
			}
			delete(rows, fields[0])
		}
	}
	if len(rows) != 0 {
		t.Errorf("missing rows %v in output:\n%s", rows, out)
	}
	if !strings.Contains(out, "Active workers:") || !strings.Contains(out, "Pending:") {
		t.Errorf("missing header in output:\n%s", out)
	}
}

func TestNodesCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]api.NodeResponse{
			{MachineID: "pc-1", Name: "Front Desk", Status: "online", Connected: true, IPAddress: "10.0.0.5", TotalSuccess: 12, LastSeen: time.Now()},
			{MachineID: "pc-2", Name: "pc-2", Status: "offline", TotalFailed: 2, LastSeen: time.Now().Add(-2 * time.Hour)},
		})
	}))
	defer server.Close()

	out := execute(t, server.URL, "nodes")

	for _, want := range []string{"MACHINE", "pc-1", "online*", "10.0.0.5", "pc-2", "offline", "2h ago"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got:\n%s", want, out)
		}
	}
}

func TestNodesCommand_Empty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("[]"))
	}))
	defer server.Close()

	out := execute(t, server.URL, "nodes")
	if !strings.Contains(out, "No nodes have connected yet.") {
		t.Errorf("unexpected output: %s", out)
	}
}
