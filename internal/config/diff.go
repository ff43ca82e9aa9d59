package config

// ConfigDiff describes the hot-reloadable changes between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	GainsChanged bool
	NewGains     GainsConfig

	// RestartRequired lists changed fields that only take effect after a
	// restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.GainsChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Audio.Gains != new.Audio.Gains {
		d.GainsChanged = true
		d.NewGains = new.Audio.Gains
	}

	restart := []struct {
		name    string
		changed bool
	}{
		{"server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr},
		{"audio.sample_rate", old.Audio.SampleRate != new.Audio.SampleRate},
		{"audio.block_size", old.Audio.BlockSize != new.Audio.BlockSize},
		{"audio.ring_capacity", old.Audio.RingCapacity != new.Audio.RingCapacity},
		{"audio.gapless", old.Audio.Gapless != new.Audio.Gapless},
		{"messaging", old.Messaging != new.Messaging},
		{"capture", old.Capture != new.Capture},
		{"output.provider", old.Output != new.Output},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartRequired = append(d.RestartRequired, r.name)
		}
	}
	return d
}
