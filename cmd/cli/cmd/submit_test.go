package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"workerhub/pkg/api"
)

func TestSubmitCommand(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		status     int
		response   interface{}
		wantCalled bool
		wantOut    string
	}{
		{
			name:       "queued",
			args:       []string{"submit", "login_check", "--payload", `{"userId":"u","password":"p"}`},
			status:     http.StatusAccepted,
			response:   api.SubmitTaskResponse{Status: "queued", TrackingID: "trk-123"},
			wantCalled: true,
			wantOut:    "Tracking ID: trk-123",
		},
		{
			name:       "rpc report",
			args:       []string{"submit", "single_check", "-p", `{"userId":"u","password":"p","meterNo":"M-1"}`},
			status:     http.StatusOK,
			response:   api.TaskReport{Count: 1, Data: json.RawMessage(`{"meterNo":"M-1"}`)},
			wantCalled: true,
			wantOut:    "Task completed: 1 item(s)",
		},
		{
			name:       "rpc failed report",
			args:       []string{"submit", "login_check", "-p", `{"userId":"u","password":"p"}`},
			status:     http.StatusOK,
			response:   api.TaskReport{Error: "login rejected"},
			wantCalled: true,
			wantOut:    "login rejected",
		},
		{
			name:       "no workers",
			args:       []string{"submit", "login_check", "-p", `{"userId":"u","password":"p"}`},
			status:     http.StatusServiceUnavailable,
			response:   api.ErrorResponse{Error: "No active workers available", Code: "503"},
			wantCalled: true,
			wantOut:    "Submit failed (503): No active workers available",
		},
		{
			name:    "unknown task type",
			args:    []string{"submit", "reboot", "-p", `{}`},
			wantOut: "unknown task type",
		},
		{
			name:    "missing payload",
			args:    []string{"submit", "login_check"},
			wantOut: "--payload or --file is required",
		},
		{
			name:    "invalid json",
			args:    []string{"submit", "login_check", "-p", `{nope`},
			wantOut: "payload is not valid JSON",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				if r.URL.Path != "/api/tasks" || r.Method != http.MethodPost {
					t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
				}
				if r.Header.Get("Authorization") != "Bearer test-token" {
					t.Errorf("missing bearer token")
				}
				var req api.SubmitTaskRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					t.Errorf("bad request body: %v", err)
				}
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(tt.response)
			}))
			defer server.Close()

			out := execute(t, server.URL, tt.args...)

			if called != tt.wantCalled {
				t.Errorf("server called = %v, want %v", called, tt.wantCalled)
			}
			if !strings.Contains(out, tt.wantOut) {
				t.Errorf("expected %q in output, got: %s", tt.wantOut, out)
			}
		})
	}
}

func TestSubmitCommand_PayloadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meters.json")
	body := `{"userId":"u","password":"p","meters":[{"meterNo":"M-1","sealNo":"S-1"}]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	var got api.SubmitTaskRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(api.SubmitTaskResponse{Status: "queued", TrackingID: "trk-9"})
	}))
	defer server.Close()

	out := execute(t, server.URL, "submit", "meter_post", "--file", path)

	if got.TaskType != api.TaskMeterPost {
		t.Errorf("got task type %q", got.TaskType)
	}
	if !strings.Contains(string(got.Payload), "M-1") {
		t.Errorf("payload not forwarded: %s", got.Payload)
	}
	if !strings.Contains(out, "trk-9") {
		t.Errorf("unexpected output: %s", out)
	}
}
