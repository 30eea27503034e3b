package config

// DefaultRegistry is used when no registry is configured.
const DefaultRegistry = "https://registry-1.docker.io"

// DefaultJobs is the number of concurrent blob downloads.
const DefaultJobs = 4

// Config represents the pullkit CLI configuration.
// Use mapstructure tags for Viper unmarshaling.
type Config struct {
	Registry  string `mapstructure:"registry"`
	AuthURL   string `mapstructure:"auth-url"`
	Service   string `mapstructure:"service"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Anonymous bool   `mapstructure:"anonymous"`
	Insecure  bool   `mapstructure:"insecure"`
	// Progress is "auto", "tty" or "plain".
	Progress string         `mapstructure:"progress"`
	Download DownloadConfig `mapstructure:"download"`
}

// DownloadConfig holds download-related settings.
type DownloadConfig struct {
	Jobs     int    `mapstructure:"jobs"`
	Platform string `mapstructure:"platform"`
}

// Defaults returns the settings written by "pullkit config init". Secrets
// are left out; they belong in flags or PULLKIT_* variables.
func Defaults() map[string]any {
	return map[string]any{
		"registry": DefaultRegistry,
		"progress": "auto",
		"download": map[string]any{
			"jobs":     DefaultJobs,
			"platform": "",
		},
	}
}
