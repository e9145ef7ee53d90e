package config

import (
	"reflect"

	"github.com/MrWong99/voxseg/pkg/segmenter"
)

// ConfigDiff describes what changed between two configs.
// Log level and segmentation defaults can be applied to a running server;
// everything listed in RestartRequired needs a restart to take effect.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SegmentationChanged bool
	NewSegmentation     segmenter.Config

	// RestartRequired names the sections that changed but cannot be
	// hot-reloaded (e.g., "model", "server.listen_addr").
	RestartRequired []string
}

// Changed reports whether d contains any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SegmentationChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Segmentation defaults, compared after defaults are applied so that an
	// explicit default value does not count as a change.
	oldSeg, newSeg := old.Segmentation.Segmenter(), new.Segmentation.Segmenter()
	if !sameSegmentation(oldSeg, newSeg) {
		d.SegmentationChanged = true
		d.NewSegmentation = newSeg
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if !reflect.DeepEqual(old.Model, new.Model) {
		d.RestartRequired = append(d.RestartRequired, "model")
	}

	return d
}

// sameSegmentation compares two configs by value, dereferencing NegThreshold.
func sameSegmentation(a, b segmenter.Config) bool {
	an, bn := a.NegThreshold, b.NegThreshold
	a.NegThreshold, b.NegThreshold = nil, nil
	if a != b {
		return false
	}
	switch {
	case an == nil && bn == nil:
		return true
	case an == nil || bn == nil:
		return false
	}
	return *an == *bn
}
