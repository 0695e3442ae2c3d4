package auth

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/chatfanout/platform/internal/v1/logging"
)

// GetAllowedOriginsFromEnv reads a comma-separated origin list from an env
// var, falling back to defaultEnvs (and logging that fallback) when unset.
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("%s environment variable not set, using default origins: %v", envVarName, defaultEnvs))
		return defaultEnvs
	}
	return strings.Split(originsStr, ",")
}
