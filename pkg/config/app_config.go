// Package config handles the profiler's configuration. UserConfig fields
// are PascalCase in Go but camelCase in the on-disk config.yml. View the
// default config with `py-spy --config`.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/OpenPeeDeeP/xdg"
	yaml "github.com/jesseduffield/yaml"
)

// UserConfig holds the tunables a user can override in config.yml. None of
// these affect attach/locate correctness; they tune the sampling policy
// described in spec §4.7/§5.
type UserConfig struct {
	// SampleRateHz is the target tick rate of the Sampling Loop (§4.7).
	SampleRateHz float64 `yaml:"sampleRateHz,omitempty"`

	// JitterFraction is the fraction of the period used as the +/- jitter
	// window, so a tick never lands on a fixed phase relative to the target
	// (spec §4.7: "jitter is uniform in +/-base_period/10").
	JitterFraction float64 `yaml:"jitterFraction,omitempty"`

	// Nonblocking selects the policy flag from spec §4.9: when true the loop
	// never calls Suspend and accepts torn reads.
	Nonblocking bool `yaml:"nonblocking,omitempty"`

	// NativeUnwind enables the Native Co-Unwinder collaborator (§4.6) for
	// threads whose top activity is outside the interpreter.
	NativeUnwind bool `yaml:"nativeUnwind,omitempty"`

	// Subprocess enables discovery and recursive sampling of child processes
	// (§4.7 "Subprocess mode").
	Subprocess bool `yaml:"subprocess,omitempty"`

	// DumpLocals is passed to the Stack Sampler as WithLocals (§4.5.3.d).
	// The sampler does not read local variables, so frames carry no Locals
	// whatever this is set to.
	DumpLocals bool `yaml:"dumpLocals,omitempty"`

	// MaxThreads and MaxFrameDepth bound the intrusive-list/frame-chain walks
	// of §4.5 so torn reads cannot spin the sampler forever.
	MaxThreads    int `yaml:"maxThreads,omitempty"`
	MaxFrameDepth int `yaml:"maxFrameDepth,omitempty"`

	// IdleFunctionNames is the fallback "this thread looks idle" heuristic
	// named in spec §4.5.4 and left open in §9 ("Open questions").
	IdleFunctionNames []string `yaml:"idleFunctionNames,omitempty"`

	// LayoutMismatchLimit is the "N" in §4.8's "Layout disagreement repeated
	// >= N times" fatal condition.
	LayoutMismatchLimit int `yaml:"layoutMismatchLimit,omitempty"`

	// Duration bounds total sampling wall time; zero means unbounded. Not in
	// the distilled spec but present in original_source (a `--duration` flag)
	// and additive to the termination conditions of §4.7.
	Duration time.Duration `yaml:"duration,omitempty"`
}

// GetDefaultConfig returns the default sampling policy. Don't default a bool
// to true: false is the zero value and a blank config.yml key would silently
// reset it.
func GetDefaultConfig() UserConfig {
	return UserConfig{
		SampleRateHz:        100,
		JitterFraction:      0.1,
		Nonblocking:         false,
		NativeUnwind:        false,
		Subprocess:          false,
		DumpLocals:          false,
		MaxThreads:          4096,
		MaxFrameDepth:       4096,
		IdleFunctionNames:   []string{"select", "wait", "sleep", "poll", "accept"},
		LayoutMismatchLimit: 3,
		Duration:            0,
	}
}

// AppConfig contains the base configuration required to attach and run: the
// flag/env-sourced fields plus the loaded UserConfig.
type AppConfig struct {
	Debug     bool   `long:"debug" env:"DEBUG" default:"false"`
	Version   string `long:"version" env:"VERSION" default:"unversioned"`
	Commit    string `long:"commit" env:"COMMIT"`
	Name      string `long:"name" env:"NAME" default:"py-spy"`
	TargetPid int
	UserConfig *UserConfig
	ConfigDir  string
}

// NewAppConfig makes a new app config, loading (and lazily creating) the
// user config file in the platform's XDG config directory.
func NewAppConfig(name, version, commit string, debuggingFlag bool, targetPid int) (*AppConfig, error) {
	configDir, err := findOrCreateConfigDir(name)
	if err != nil {
		return nil, err
	}

	userConfig, err := loadUserConfigWithDefaults(configDir)
	if err != nil {
		return nil, err
	}

	return &AppConfig{
		Name:       name,
		Version:    version,
		Commit:     commit,
		Debug:      debuggingFlag || os.Getenv("DEBUG") == "TRUE",
		UserConfig: userConfig,
		ConfigDir:  configDir,
		TargetPid:  targetPid,
	}, nil
}

func configDirForVendor(vendor string, projectName string) string {
	if envConfigDir := os.Getenv("CONFIG_DIR"); envConfigDir != "" {
		return envConfigDir
	}
	configDirs := xdg.New(vendor, projectName)
	return configDirs.ConfigHome()
}

func findOrCreateConfigDir(projectName string) (string, error) {
	folder := configDirForVendor("benfred", projectName)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", err
	}
	return folder, nil
}

func loadUserConfigWithDefaults(configDir string) (*UserConfig, error) {
	base := GetDefaultConfig()
	return loadUserConfig(configDir, &base)
}

func loadUserConfig(configDir string, base *UserConfig) (*UserConfig, error) {
	fileName := filepath.Join(configDir, "config.yml")

	if _, err := os.Stat(fileName); err != nil {
		if os.IsNotExist(err) {
			file, err := os.Create(fileName)
			if err != nil {
				return nil, err
			}
			file.Close()
		} else {
			return nil, err
		}
	}

	content, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(content, base); err != nil {
		return nil, err
	}

	return base, nil
}

// WriteToUserConfig loads the on-disk config, applies updateConfig, and
// persists the result. A zero-value field written back may be dropped by
// the omitempty yaml tags, matching the teacher's own caveat.
func (c *AppConfig) WriteToUserConfig(updateConfig func(*UserConfig) error) error {
	userConfig, err := loadUserConfig(c.ConfigDir, &UserConfig{})
	if err != nil {
		return err
	}

	if err := updateConfig(userConfig); err != nil {
		return err
	}

	file, err := os.OpenFile(c.ConfigFilename(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return err
	}
	defer file.Close()

	return yaml.NewEncoder(file).Encode(userConfig)
}

// ConfigFilename returns the filename of the current config file.
func (c *AppConfig) ConfigFilename() string {
	return filepath.Join(c.ConfigDir, "config.yml")
}
