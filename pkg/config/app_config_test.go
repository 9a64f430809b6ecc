package config

import (
	"os"
	"testing"

	"github.com/jesseduffield/yaml"
)

func TestDefaultSampleRate(t *testing.T) {
	conf, err := NewAppConfig("pyspy-test", "version", "commit", false, 1234)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if conf.UserConfig.SampleRateHz != 100 {
		t.Fatalf("expected default sample rate of 100, got %v", conf.UserConfig.SampleRateHz)
	}
	if conf.TargetPid != 1234 {
		t.Fatalf("expected target pid 1234, got %d", conf.TargetPid)
	}
}

func TestWritingToConfigFile(t *testing.T) {
	conf, err := NewAppConfig("pyspy-test", "version", "commit", false, 1)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	testFn := func(t *testing.T, ac *AppConfig, newValue bool) {
		t.Helper()
		updateFn := func(uc *UserConfig) error {
			uc.NativeUnwind = newValue
			return nil
		}

		if err := ac.WriteToUserConfig(updateFn); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}

		file, err := os.OpenFile(ac.ConfigFilename(), os.O_RDONLY, 0o660)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}

		sampleUC := UserConfig{}
		if err := yaml.NewDecoder(file).Decode(&sampleUC); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if err := file.Close(); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}

		if sampleUC.NativeUnwind != newValue {
			t.Fatalf("got %v, expected %v", sampleUC.NativeUnwind, newValue)
		}
	}

	// insert value into an empty file
	testFn(t, conf, true)
	// modify an existing file that already has the key
	testFn(t, conf, false)
}
