package main

import (
	"crypto/rand"
	"encoding/hex"
	"os"

	"gopkg.in/yaml.v3"
)

// randomSecret generates a process-lifetime HMAC secret when the operator
// doesn't supply one, so `manager` is runnable without extra setup for a
// single-machine try-out.
func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

// configFile is the process-level settings a --config-file can supply,
// as an alternative (or supplement) to flags. Per-build job config (the
// YAML atomizer input) is a separate, out-of-scope concern.
type configFile struct {
	Port         int    `yaml:"port"`
	DataDir      string `yaml:"data_dir"`
	DBPath       string `yaml:"db_path"`
	EventLogFile string `yaml:"eventlog_file"`
	Secret       string `yaml:"secret"`

	ManagerURL   string `yaml:"manager_url"`
	NumExecutors int    `yaml:"num_executors"`
	WorkDir      string `yaml:"work_dir"`
}

func loadConfigFile(path string) (*configFile, error) {
	if path == "" {
		return &configFile{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg configFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// firstNonEmpty returns the first non-zero-value argument, used to let a
// flag override a config-file value without either side needing to know
// the other exists.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
