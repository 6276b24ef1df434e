package cmd

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	// Earlier tests that run rootCmd leave parsed *slog.LevelVar values in
	// the shared viper instance, which initConfig cannot re-parse as
	// strings; start from a clean instance.
	viper.Reset()

	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
}

func TestGetLogLevel(t *testing.T) {
	for _, tc := range []struct {
		input   string
		wantErr bool
	}{
		{input: "DEBUG"},
		{input: "INFO"},
		{input: "WARN"},
		{input: "ERROR"},
		{input: "TRACE", wantErr: true},
		{input: "", wantErr: true},
	} {
		t.Run(
			tc.input, func(t *testing.T) {
				_, err := getLogLevel(tc.input)
				if tc.wantErr {
					assert.Error(t, err)
				} else {
					assert.NoError(t, err)
				}
			},
		)
	}
}
