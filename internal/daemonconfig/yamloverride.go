package daemonconfig

import (
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"

	"github.com/lantern-labs/metricsrecorder/internal/recorderrors"
)

const yamlOverrideFileName = "metricsrecorderd.yaml"

// yamlOverride mirrors the subset of Tunables an operator may want to pin
// in a checked-in file rather than pass as flags or environment variables
// on every invocation. Fields absent from the file stay nil and leave the
// matching Tunables value unchanged in ApplyYAMLOverrides; a field set to
// zero is applied.
type yamlOverride struct {
	PersistentCacheDirectory  *string `yaml:"persistent_cache_directory"`
	NetworkSendIntervalSecond *int    `yaml:"network_send_interval_seconds"`
	MaxBytesBuffered          *int    `yaml:"max_bytes_buffered"`
	ServerURL                 *string `yaml:"server_url"`
}

// ApplyYAMLOverrides reads <configDir>/metricsrecorderd.yaml, if present,
// and overlays any fields it sets onto t. A missing file is not an error:
// the flag/env tunables loaded by LoadTunables are sufficient on their own.
func ApplyYAMLOverrides(configDir string, t Tunables) (Tunables, error) {
	path := filepath.Join(configDir, yamlOverrideFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return t, recorderrors.Wrap(err, recorderrors.CodeIO, "daemonconfig: read yaml override")
	}

	var override yamlOverride
	if err := yaml.Unmarshal(data, &override); err != nil {
		return t, recorderrors.Wrap(err, recorderrors.CodeInvalidConfig, "daemonconfig: parse yaml override")
	}

	if override.PersistentCacheDirectory != nil {
		t.PersistentCacheDirectory = *override.PersistentCacheDirectory
	}
	if override.NetworkSendIntervalSecond != nil {
		t.NetworkSendIntervalSeconds = *override.NetworkSendIntervalSecond
	}
	if override.MaxBytesBuffered != nil {
		t.MaxBytesBuffered = *override.MaxBytesBuffered
	}
	if override.ServerURL != nil {
		t.ServerURL = *override.ServerURL
	}
	return t, nil
}
