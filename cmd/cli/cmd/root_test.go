package cmd

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestRootCommand_EnvVarBinding(t *testing.T) {
	resetViper()

	t.Setenv("WORKERHUB_TOKEN", "env-token-value")
	t.Setenv("WORKERHUB_URL", "http://custom-url:8080")

	if token := viper.GetString("token"); token != "env-token-value" {
		t.Errorf("expected token from env var, got: %s", token)
	}
	if url := viper.GetString("url"); url != "http://custom-url:8080" {
		t.Errorf("expected url from env var, got: %s", url)
	}
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	want := map[string]bool{"submit": false, "status": false, "stats": false, "nodes": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected %q subcommand to be registered", name)
		}
	}
}

func TestExecute_ReturnsError(t *testing.T) {
	resetViper()

	rootCmd.SetArgs([]string{"unknown-command-xyz"})
	if err := Execute(); err == nil {
		t.Error("expected error for unknown command")
	}
}

func TestRootCommand_CustomConfigFile(t *testing.T) {
	resetViper()

	tmpFile, err := os.CreateTemp(t.TempDir(), "hubctl-test-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpFile.WriteString("url: http://custom-from-config:9999\ntoken: config-token\n")
	tmpFile.Close()

	cfgFile = tmpFile.Name()
	defer func() { cfgFile = "" }()
	initConfig()

	if url := viper.GetString("url"); url != "http://custom-from-config:9999" {
		t.Errorf("expected url from config file, got: %s", url)
	}
	if token := viper.GetString("token"); token != "config-token" {
		t.Errorf("expected token from config file, got: %s", token)
	}
}
