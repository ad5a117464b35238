/*
Package config provides configuration loading, validation, and the
signing-options data model (spec §3) for the codesign orchestrator.
*/
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/oarkflow/codesign/internal/checksum"
)

// Config is the on-disk orchestrator configuration, loaded from
// ".codesign.yaml" (or a path given via --config).
type Config struct {
	// Version of the configuration schema.
	Version int `yaml:"version"`

	// ProjectName names the project, used as a template variable.
	ProjectName string `yaml:"project_name"`

	// Variables are custom template variables available to argument and
	// name templates.
	Variables map[string]interface{} `yaml:"variables,omitempty"`

	// Includes lists other configuration files (or globs) to merge in.
	Includes []string `yaml:"includes,omitempty"`

	// Options carries the default signing options (spec §3).
	Options Options `yaml:"options,omitempty"`

	// Certificate describes how to obtain the certificate/private key
	// capability (spec §6). Credential acquisition itself is out of
	// scope; this is local/dev configuration for the file-backed
	// stand-in provider (internal/keymaterial).
	Certificate Certificate `yaml:"certificate,omitempty"`

	// Mage configures the external manifest-update utility invocation
	// (spec §4.5.1 steps 6/8, §6).
	Mage Mage `yaml:"mage,omitempty"`

	// Before/After are lifecycle hooks run around the outermost
	// SignAsync call (ambient concern, not part of the recursive
	// dispatcher's contract — see SPEC_FULL.md §4).
	Before []Hook `yaml:"before,omitempty"`
	After  []Hook `yaml:"after,omitempty"`
}

// Options is the immutable signing-options record from spec §3.
type Options struct {
	ApplicationName        string   `yaml:"application_name,omitempty"`
	PublisherName          string   `yaml:"publisher_name,omitempty"`
	Description            string   `yaml:"description,omitempty"`
	DescriptionURL         string   `yaml:"description_url,omitempty"`
	FileHashAlgorithm      string   `yaml:"file_hash_algorithm,omitempty"`
	TimestampHashAlgorithm string   `yaml:"timestamp_hash_algorithm,omitempty"`
	TimestampServiceURL    string   `yaml:"timestamp_service_url,omitempty"`
	Matcher                []string `yaml:"matcher,omitempty"`
	AntiMatcher            []string `yaml:"anti_matcher,omitempty"`
	RecurseContainers      bool     `yaml:"recurse_containers"`
}

// Certificate configures the local/dev certificate+key stand-in.
type Certificate struct {
	// CertFile is a PEM or PKCS#7-wrapped X.509 certificate file.
	CertFile string `yaml:"cert_file,omitempty"`
	// KeyFile is a PKCS#8/PEM RSA private key file.
	KeyFile string `yaml:"key_file,omitempty"`
}

// Mage configures the external manifest-update utility.
type Mage struct {
	// Binary is the executable name/path, default "mage".
	Binary string `yaml:"binary,omitempty"`
	// RetryDelay is how long to wait before the single retry on a
	// non-zero exit. Default ~1s (spec §4.5.2).
	RetryDelay time.Duration `yaml:"retry_delay,omitempty"`
}

// Hook is a single before/after lifecycle command, matching the teacher's
// config.Hook shape.
type Hook struct {
	Cmd      string            `yaml:"cmd"`
	Dir      string            `yaml:"dir,omitempty"`
	Env      map[string]string `yaml:"env,omitempty"`
	If       string            `yaml:"if,omitempty"`
	FailFast bool              `yaml:"fail_fast,omitempty"`
	Shell    bool              `yaml:"shell,omitempty"`
	Output   bool              `yaml:"output,omitempty"`
}

// Load reads and parses a configuration file, expanding environment
// variables and merging any includes, exactly as the teacher's
// config.Load does.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	baseDir := filepath.Dir(path)
	for _, include := range cfg.Includes {
		includePath := include
		if !filepath.IsAbs(includePath) {
			includePath = filepath.Join(baseDir, include)
		}
		matches, err := filepath.Glob(includePath)
		if err != nil {
			return nil, fmt.Errorf("invalid include pattern %s: %w", include, err)
		}
		for _, match := range matches {
			includeCfg, err := Load(match)
			if err != nil {
				return nil, fmt.Errorf("failed to load include %s: %w", match, err)
			}
			if err := mergo.Merge(&cfg, includeCfg, mergo.WithAppendSlice); err != nil {
				return nil, fmt.Errorf("failed to merge include %s: %w", match, err)
			}
		}
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Options.FileHashAlgorithm == "" {
		cfg.Options.FileHashAlgorithm = "sha256"
	}
	if cfg.Options.TimestampHashAlgorithm == "" {
		cfg.Options.TimestampHashAlgorithm = "sha256"
	}
	if cfg.Mage.Binary == "" {
		cfg.Mage.Binary = "mage"
	}
	if cfg.Mage.RetryDelay == 0 {
		cfg.Mage.RetryDelay = time.Second
	}
}

// Validate validates the configuration (spec §7 InputValidationError).
func (c *Config) Validate() error {
	if c.Options.DescriptionURL != "" {
		u, err := url.Parse(c.Options.DescriptionURL)
		if err != nil || !u.IsAbs() {
			return fmt.Errorf("options.description_url must be an absolute URL: %q", c.Options.DescriptionURL)
		}
	}
	if c.Options.TimestampServiceURL != "" {
		u, err := url.Parse(c.Options.TimestampServiceURL)
		if err != nil || !u.IsAbs() {
			return fmt.Errorf("options.timestamp_service_url must be an absolute URL: %q", c.Options.TimestampServiceURL)
		}
	}
	if c.Options.FileHashAlgorithm != "" {
		if _, err := checksum.New(checksum.Algorithm(c.Options.FileHashAlgorithm)); err != nil {
			return fmt.Errorf("options.file_hash_algorithm: %w", err)
		}
	}
	if c.Options.TimestampHashAlgorithm != "" {
		if _, err := checksum.New(checksum.Algorithm(c.Options.TimestampHashAlgorithm)); err != nil {
			return fmt.Errorf("options.timestamp_hash_algorithm: %w", err)
		}
	}
	return nil
}

// NormalizedDescriptionURL returns options.DescriptionURL in its normalized
// absolute form, with a trailing "/" set as the path when the path is
// empty (spec §4.5.1 step 8 inclusion rule for "-SupportURL").
func (o Options) NormalizedDescriptionURL() (string, bool) {
	if o.DescriptionURL == "" {
		return "", false
	}
	u, err := url.Parse(o.DescriptionURL)
	if err != nil {
		return o.DescriptionURL, true
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), true
}
