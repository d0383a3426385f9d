package config

import (
	"reflect"
	"slices"
)

// Diff describes what changed between two configs.
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VocabularyChanged is set when the prompt, terms or dictionary differ.
	// These are applied to the next transcription without a restart.
	VocabularyChanged bool

	LanguageChanged bool

	// RestartRequired lists settings that changed but only take effect on
	// restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d Diff) Changed() bool {
	return d.LogLevelChanged || d.VocabularyChanged || d.LanguageChanged || len(d.RestartRequired) > 0
}

// Compare reports what changed between old and new.
func Compare(old, new *Config) Diff {
	d := Diff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	ot, nt := old.Transcription, new.Transcription
	if ot.Prompt != nt.Prompt || !slices.Equal(ot.Terms, nt.Terms) || !slices.Equal(ot.Dictionary, nt.Dictionary) ||
		Enabled(ot.PhoneticCorrection) != Enabled(nt.PhoneticCorrection) {
		d.VocabularyChanged = true
	}
	d.LanguageChanged = ot.Language != nt.Language

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if ot.SampleRate != nt.SampleRate || ot.SegmentDurationMS != nt.SegmentDurationMS {
		d.RestartRequired = append(d.RestartRequired, "transcription audio format")
	}
	if old.Retry != new.Retry {
		d.RestartRequired = append(d.RestartRequired, "retry")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}
