package cli

// Config holds command-line settings. It replaces package globals so
// several CLI instances can coexist in tests.
type Config struct {
	ConfigFile  string
	ProjectRoot string
	Verbosity   string
	Version     string
}

// NewConfig creates a CLI configuration with defaults
func NewConfig() *Config {
	return &Config{
		ProjectRoot: ".",
		Verbosity:   "",
	}
}
