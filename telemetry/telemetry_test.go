package telemetry

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		err  string
	}{
		{name: "disabled", cfg: Config{}},
		{name: "enabled", cfg: Config{Enabled: true, Endpoint: "localhost:4317", SampleRate: 1}},
		{name: "no endpoint", cfg: Config{Enabled: true, SampleRate: 1}, err: "no collector endpoint"},
		{name: "rate above one", cfg: Config{Enabled: true, Endpoint: "x:1", SampleRate: 1.5}, err: "sample rate"},
		{name: "negative rate", cfg: Config{Enabled: true, Endpoint: "x:1", SampleRate: -1}, err: "sample rate"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.err == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.err)
		})
	}
}

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitRejectsInvalidConfig(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true}, zerolog.Nop())
	require.Error(t, err)
}
