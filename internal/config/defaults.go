package config

import "time"

// Defaults shared by the server and the CLI.
const (
	DefaultBaseURL          = "https://generativelanguage.googleapis.com"
	DefaultAPIVersion       = "v1beta"
	DefaultModel            = "gemini-2.5-flash"
	DefaultVideoModel       = "veo-3.1-fast-generate-preview"
	DefaultPollInterval     = 3 * time.Second
	DefaultFilePollInterval = 2 * time.Second
)
