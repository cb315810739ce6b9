// SPDX-License-Identifier:Apache-2.0

package env

import (
	"os"
	"strings"
)

const (
	streamingURL = "FLAGSYNC_STREAMING_URL"
	envSecret    = "FLAGSYNC_ENV_SECRET"
	logLevel     = "FLAGSYNC_LOG_LEVEL"
)

// StreamingURL overrides the configured streaming endpoint when set.
func StreamingURL() string {
	return strings.TrimSpace(os.Getenv(streamingURL))
}

// EnvSecret overrides the configured environment secret when set.
func EnvSecret() string {
	return strings.TrimSpace(os.Getenv(envSecret))
}

// LogLevel overrides the agent log level when set.
func LogLevel() string {
	return strings.ToLower(strings.TrimSpace(os.Getenv(logLevel)))
}
