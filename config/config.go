package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/OnlyOneSky/remita-e2e/logger"
	"github.com/OnlyOneSky/remita-e2e/models"
	"gopkg.in/yaml.v3"
)

// SharedDocument is the settings document shared by all platforms.
const SharedDocument = "settings.yaml"

// ConfigError marks configuration problems that must abort the run before
// any device is touched.
type ConfigError struct {
	Document string
	Err      error
}

func (e *ConfigError) Error() string {
	if e.Document != "" {
		return fmt.Sprintf("config error in %s: %v", e.Document, e.Err)
	}
	return fmt.Sprintf("config error: %v", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Resolver loads and merges the configuration documents from a directory.
type Resolver struct {
	dir string
}

func NewResolver(dir string) *Resolver {
	return &Resolver{dir: dir}
}

// Dir returns the config directory the resolver reads from.
func (r *Resolver) Dir() string {
	return r.dir
}

// Resolve merges the shared settings document with the platform document and
// validates the required keys. The merge is pure and deterministic for
// identical inputs.
func (r *Resolver) Resolve(platform string) (models.EffectiveConfig, error) {
	if platform != models.OSAndroid && platform != models.OSIOS {
		return models.EffectiveConfig{}, &ConfigError{Err: fmt.Errorf("unsupported platform %q", platform)}
	}

	shared, err := r.loadDocument(SharedDocument)
	if err != nil {
		return models.EffectiveConfig{}, err
	}

	platformDoc := platform + ".yaml"
	platformData, err := r.loadDocument(platformDoc)
	if err != nil {
		return models.EffectiveConfig{}, err
	}

	merged := MergeDocuments(shared, platformData)

	cfg, err := decodeEffective(merged)
	if err != nil {
		return models.EffectiveConfig{}, &ConfigError{Document: platformDoc, Err: err}
	}
	cfg.Platform = platform

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return models.EffectiveConfig{}, &ConfigError{Document: platformDoc, Err: err}
	}

	logger.RunnerLogger.LogDebug("config_resolve", fmt.Sprintf("Resolved effective config for platform `%s` from `%s`", platform, r.dir))
	return cfg, nil
}

func (r *Resolver) loadDocument(name string) (map[string]interface{}, error) {
	path := filepath.Join(r.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Document: name, Err: fmt.Errorf("could not read document - %w", err)}
	}

	doc := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigError{Document: name, Err: fmt.Errorf("malformed YAML - %w", err)}
	}

	return doc, nil
}

// MergeDocuments performs a shallow key union with platform values overriding
// shared values at the top level. When both sides hold a map under the same
// top-level key, the inner maps merge key-by-key with the same override rule,
// one level deep.
func MergeDocuments(shared, platform map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(shared)+len(platform))
	for k, v := range shared {
		merged[k] = v
	}

	for k, pv := range platform {
		sv, present := merged[k]
		if present {
			sm, sharedIsMap := sv.(map[string]interface{})
			pm, platformIsMap := pv.(map[string]interface{})
			if sharedIsMap && platformIsMap {
				inner := make(map[string]interface{}, len(sm)+len(pm))
				for ik, iv := range sm {
					inner[ik] = iv
				}
				for ik, iv := range pm {
					inner[ik] = iv
				}
				merged[k] = inner
				continue
			}
		}
		merged[k] = pv
	}

	return merged
}

func decodeEffective(merged map[string]interface{}) (models.EffectiveConfig, error) {
	data, err := yaml.Marshal(merged)
	if err != nil {
		return models.EffectiveConfig{}, fmt.Errorf("could not re-encode merged document - %w", err)
	}

	var cfg models.EffectiveConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return models.EffectiveConfig{}, fmt.Errorf("merged document does not match the expected structure - %w", err)
	}

	if cfg.StubServer.AdminPath == "" {
		cfg.StubServer.AdminPath = "/__admin"
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *models.EffectiveConfig) {
	if v := os.Getenv("APPIUM_URL"); v != "" {
		cfg.Appium.ServerURL = v
	}
	if v := os.Getenv("STUB_SERVER_URL"); v != "" {
		cfg.StubServer.BaseURL = v
	}
}

func validate(cfg models.EffectiveConfig) error {
	var missing []string
	if cfg.Appium.ServerURL == "" {
		missing = append(missing, "appium.server_url")
	}
	if cfg.StubServer.BaseURL == "" {
		missing = append(missing, "stub_server.base_url")
	}
	if cfg.App.Path == "" {
		missing = append(missing, "app.path")
	}
	if cfg.App.Package == "" {
		missing = append(missing, "app.package")
	}
	if len(missing) > 0 {
		return fmt.Errorf("required keys missing after merge: %v", missing)
	}
	return nil
}
