package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "workerhub-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	f.Close()
	return f.Name()
}

func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 6161 {
		t.Errorf("expected port 6161, got %d", cfg.Server.Port)
	}
	if cfg.Store.Driver != DriverMemory {
		t.Errorf("expected memory driver, got %s", cfg.Store.Driver)
	}
	if cfg.Hub.DispatchMode != ModeQueue {
		t.Errorf("expected queue mode, got %s", cfg.Hub.DispatchMode)
	}
	if cfg.Hub.RPCTimeout != 10*time.Minute {
		t.Errorf("expected rpc timeout 10m, got %v", cfg.Hub.RPCTimeout)
	}
	if !cfg.Hub.FailOrphanedJobs {
		t.Error("expected fail_orphaned_jobs to default to true")
	}
	if cfg.Hub.StrictAuth {
		t.Error("expected strict_auth to default to false")
	}
	if cfg.Worker.ControllerURL != "ws://localhost:6161/ws" {
		t.Errorf("unexpected controller url %s", cfg.Worker.ControllerURL)
	}
	if cfg.Worker.HeartbeatInterval != 30*time.Second {
		t.Errorf("expected heartbeat 30s, got %v", cfg.Worker.HeartbeatInterval)
	}
	if cfg.Worker.MaxBackoff != 30*time.Second {
		t.Errorf("expected max backoff 30s, got %v", cfg.Worker.MaxBackoff)
	}
	if cfg.OTEL.Endpoint != "localhost:4317" {
		t.Errorf("expected otel endpoint localhost:4317, got %s", cfg.OTEL.Endpoint)
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	t.Setenv("WORKERHUB_SERVER_PORT", "9999")
	t.Setenv("WORKERHUB_STORE_DRIVER", "postgres")
	t.Setenv("WORKERHUB_STORE_DATABASE_URL", "postgres://custom/db")
	t.Setenv("WORKERHUB_HUB_STRICT_AUTH", "true")
	t.Setenv("WORKERHUB_HUB_DISPATCH_MODE", "rpc")
	t.Setenv("WORKERHUB_HUB_RPC_TIMEOUT", "30s")
	t.Setenv("WORKERHUB_WORKER_MACHINE_ID", "pc-01")
	t.Setenv("WORKERHUB_LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Store.DatabaseURL != "postgres://custom/db" {
		t.Errorf("expected database url from env, got %s", cfg.Store.DatabaseURL)
	}
	if !cfg.Hub.StrictAuth {
		t.Error("expected strict auth from env")
	}
	if cfg.Hub.DispatchMode != ModeRPC || cfg.Hub.RPCTimeout != 30*time.Second {
		t.Errorf("unexpected hub config %+v", cfg.Hub)
	}
	if cfg.Worker.MachineID != "pc-01" {
		t.Errorf("expected machine id pc-01, got %s", cfg.Worker.MachineID)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected debug, got %s", cfg.Log.Level)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 7777
store:
  driver: etcd
  etcd_endpoints: ["etcd-1:2379", "etcd-2:2379"]
hub:
  fail_orphaned_jobs: false
worker:
  runtime: docker
  image: workerhub/executor:latest
  command: ["node", "logic.js"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 7777 {
		t.Errorf("expected port 7777, got %d", cfg.Server.Port)
	}
	if len(cfg.Store.EtcdEndpoints) != 2 || cfg.Store.EtcdEndpoints[1] != "etcd-2:2379" {
		t.Errorf("unexpected etcd endpoints %v", cfg.Store.EtcdEndpoints)
	}
	if cfg.Hub.FailOrphanedJobs {
		t.Error("expected fail_orphaned_jobs false from file")
	}
	if cfg.Worker.Runtime != RuntimeDocker || cfg.Worker.Image != "workerhub/executor:latest" {
		t.Errorf("unexpected worker config %+v", cfg.Worker)
	}
	if strings.Join(cfg.Worker.Command, " ") != "node logic.js" {
		t.Errorf("unexpected command %v", cfg.Worker.Command)
	}
}

func TestLoad_DefaultFileInWorkingDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/"+DefaultFile, []byte("server:\n  port: 7070\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("expected port from %s, got %d", DefaultFile, cfg.Server.Port)
	}
}

func TestLoad_EnvOverridesConfigFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 7777
`)
	t.Setenv("WORKERHUB_SERVER_PORT", "8888")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 8888 {
		t.Errorf("expected port 8888 from env, got %d", cfg.Server.Port)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "postgres without url",
			env:     map[string]string{"WORKERHUB_STORE_DRIVER": "postgres"},
			wantErr: "store.database_url is required",
		},
		{
			name:    "etcd without endpoints",
			env:     map[string]string{"WORKERHUB_STORE_DRIVER": "etcd"},
			wantErr: "store.etcd_endpoints is required",
		},
		{
			name:    "unknown driver",
			env:     map[string]string{"WORKERHUB_STORE_DRIVER": "mysql"},
			wantErr: "unknown store.driver",
		},
		{
			name:    "unknown dispatch mode",
			env:     map[string]string{"WORKERHUB_HUB_DISPATCH_MODE": "broadcast"},
			wantErr: "unknown hub.dispatch_mode",
		},
		{
			name:    "unknown runtime",
			env:     map[string]string{"WORKERHUB_WORKER_RUNTIME": "kubernetes"},
			wantErr: "unknown worker.runtime",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/to/config.yaml"); err == nil {
		t.Error("expected error for nonexistent config file")
	}
}

func TestValidateWorker(t *testing.T) {
	tests := []struct {
		name    string
		worker  WorkerConfig
		wantErr bool
	}{
		{name: "missing credentials", worker: WorkerConfig{Runtime: RuntimeExec, Command: []string{"x"}}, wantErr: true},
		{name: "exec with command", worker: WorkerConfig{MachineID: "m", SecretKey: "k", Runtime: RuntimeExec, Command: []string{"x"}}},
		{name: "exec with nothing to run", worker: WorkerConfig{MachineID: "m", SecretKey: "k", Runtime: RuntimeExec}, wantErr: true},
		{name: "docker without image", worker: WorkerConfig{MachineID: "m", SecretKey: "k", Runtime: RuntimeDocker}, wantErr: true},
		{name: "docker with image", worker: WorkerConfig{MachineID: "m", SecretKey: "k", Runtime: RuntimeDocker, Image: "img"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Worker: tt.worker}
			if err := cfg.ValidateWorker(); (err != nil) != tt.wantErr {
				t.Errorf("ValidateWorker() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
