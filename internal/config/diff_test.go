package config_test

import (
	"testing"

	"github.com/sahayhq/sahay/internal/config"
)

func TestDiff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   config.ConfigDiff
	}{
		{
			name:   "no changes",
			mutate: func(*config.Config) {},
			want:   config.ConfigDiff{},
		},
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			want:   config.ConfigDiff{LogLevelChanged: true, NewLogLevel: config.LogDebug},
		},
		{
			name:   "safety keywords",
			mutate: func(c *config.Config) { c.Safety.Keywords = []string{"hopeless"} },
			want:   config.ConfigDiff{SafetyChanged: true},
		},
		{
			name:   "helpline",
			mutate: func(c *config.Config) { c.Safety.Helpline = "Call 14416" },
			want:   config.ConfigDiff{SafetyChanged: true},
		},
		{
			name:   "instructions",
			mutate: func(c *config.Config) { c.Voice.Instructions = "Be brief." },
			want:   config.ConfigDiff{PersonaChanged: true},
		},
		{
			name: "voice option",
			mutate: func(c *config.Config) {
				c.Providers.S2S.Options = map[string]any{"voice": "Kore"}
			},
			want: config.ConfigDiff{PersonaChanged: true},
		},
		{
			name: "mode and greeting",
			mutate: func(c *config.Config) {
				c.Voice.Mode = config.ModeText
				c.Voice.Greeting = "Namaste"
			},
			want: config.ConfigDiff{PersonaChanged: true, ModeChanged: true},
		},
		{
			name:   "restart-only setting",
			mutate: func(c *config.Config) { c.Voice.CaptureRate = 44100 },
			want:   config.ConfigDiff{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old := validConfig()
			next := validConfig()
			tt.mutate(next)

			got := config.Diff(old, next)
			if got != tt.want {
				t.Errorf("Diff() = %+v, want %+v", got, tt.want)
			}
			if got.Any() != (tt.want != config.ConfigDiff{}) {
				t.Errorf("Any() = %v", got.Any())
			}
		})
	}
}
