package trivia

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ExternalConfig is the config record described in §6.4 — the shape a
// collaborator (CLI, web UI, MCP adapter) loads from disk and hands to
// Open. The Store itself never reads a file; it only consumes the
// resulting trivia.Config (§1: config discovery is out of core scope).
type ExternalConfig struct {
	Database string `yaml:"database"`
	Memorize struct {
		Tags []string `yaml:"tags"`
	} `yaml:"memorize"`
	Recall struct {
		Tags []string `yaml:"tags"`
	} `yaml:"recall"`
	Export struct {
		Tags []string `yaml:"tags"`
	} `yaml:"export"`
}

// DefaultDBPath returns the default database location, $HOME/.claude/trivia.db,
// per §6.2.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".claude", "trivia.db")
}

// LoadExternalConfig reads a YAML config file at path, returning a zero
// ExternalConfig (not an error) if the file doesn't exist — config is
// entirely optional, per §6.4.
func LoadExternalConfig(path string) (ExternalConfig, error) {
	var cfg ExternalConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ResolveConfigPath applies the environment contract of §6.5:
// CLAUDE_PLUGIN_ROOT roots config discovery (a "trivia.yaml" file directly
// under it). An empty root yields an empty path: no config file is used.
func ResolveConfigPath(pluginRoot string) string {
	if pluginRoot == "" {
		return ""
	}
	return filepath.Join(pluginRoot, "trivia.yaml")
}

// ToStoreConfig merges an ExternalConfig into a Store Config: dbPath, when
// non-empty, wins over whatever ec.Database says (the TRIVIA_DB environment
// override from §6.5 takes precedence over the config file).
func (ec ExternalConfig) ToStoreConfig(dbPath string) Config {
	cfg := Config{
		DBPath:          ec.Database,
		MemorizeTags:    ec.Memorize.Tags,
		RecallBoostTags: ec.Recall.Tags,
		ExportTags:      ec.Export.Tags,
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath()
	}
	return cfg
}
