package models

// EffectiveConfig is the typed result of merging the shared settings document
// with a platform document. Platform keys win over shared keys on conflict.
type EffectiveConfig struct {
	Platform     string                 `yaml:"-"`
	Appium       AppiumSettings         `yaml:"appium"`
	StubServer   StubServerSettings     `yaml:"stub_server"`
	Timeouts     TimeoutSettings        `yaml:"timeouts"`
	Screenshots  ScreenshotSettings     `yaml:"screenshots"`
	App          AppSettings            `yaml:"app"`
	MinOSVersion string                 `yaml:"min_os_version"`
	Capabilities map[string]interface{} `yaml:"capabilities"`
}

type AppiumSettings struct {
	ServerURL string `yaml:"server_url"`
}

type StubServerSettings struct {
	BaseURL   string `yaml:"base_url"`
	AdminPath string `yaml:"admin_path"`
	Port      int    `yaml:"port"`
}

type TimeoutSettings struct {
	ImplicitWait  int `yaml:"implicit_wait"`
	SessionCreate int `yaml:"session_create"`
	StubServer    int `yaml:"stub_server"`
}

type ScreenshotSettings struct {
	OnFailure bool   `yaml:"on_failure"`
	OutputDir string `yaml:"output_dir"`
}

// AppSettings identifies the application under test. Package holds the
// Android package name or the iOS bundle identifier.
type AppSettings struct {
	Path    string `yaml:"path"`
	Package string `yaml:"package"`
}
