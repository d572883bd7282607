package config

import "slices"

// ConfigDiff describes what changed between two configs. Only settings that
// can be applied without a restart are tracked; everything else takes effect
// on the next launch.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SafetyChanged is true when the crisis keywords, phonetic matching or
	// helpline text changed. The new screen applies to the next turn.
	SafetyChanged bool

	// PersonaChanged is true when the instructions, greeting or voice
	// changed. The new persona applies to the next session.
	PersonaChanged bool

	// ModeChanged is true when the default voice mode changed.
	ModeChanged bool
}

// Any reports whether anything hot-reloadable changed.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.SafetyChanged || d.PersonaChanged || d.ModeChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldS, newS := old.Safety, new.Safety
	if oldS.Phonetic != newS.Phonetic || oldS.Helpline != newS.Helpline || !slices.Equal(oldS.Keywords, newS.Keywords) {
		d.SafetyChanged = true
	}

	ov, nv := old.Voice, new.Voice
	if ov.Instructions != nv.Instructions || ov.Greeting != nv.Greeting ||
		old.Providers.S2S.Option("voice") != new.Providers.S2S.Option("voice") {
		d.PersonaChanged = true
	}
	if ov.Mode != nv.Mode {
		d.ModeChanged = true
	}
	return d
}
