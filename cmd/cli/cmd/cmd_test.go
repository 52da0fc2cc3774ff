package cmd

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func resetViper() {
	viper.Reset()
	viper.SetEnvPrefix("WORKERHUB")
	viper.AutomaticEnv()
}

// execute runs the root command against a test server and returns the output.
// Flag values stick to the command tree between runs, so they are reset first.
func execute(t *testing.T, serverURL string, args ...string) string {
	t.Helper()
	resetViper()
	viper.Set("url", serverURL)
	viper.Set("token", "test-token")

	for _, c := range rootCmd.Commands() {
		resetFlags(c)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return out.String()
}

func resetFlags(c *cobra.Command) {
	c.Flags().VisitAll(func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	})
}
