// Package secret resolves stored password fields into credential strings.
// A value is either a literal or an indirection of the form "env:NAME",
// resolved against the process environment at configuration load time.
package secret

import (
	"fmt"
	"os"
	"strings"
)

const envPrefix = "env:"

// Resolve turns a configured password field into the actual credential.
// Literals pass through unchanged. "env:NAME" resolves the named
// environment variable; an unset or empty variable is an error so a
// misconfigured deployment fails at startup instead of at first login.
func Resolve(value string) (string, error) {
	if !strings.HasPrefix(value, envPrefix) {
		return value, nil
	}
	name := strings.TrimPrefix(value, envPrefix)
	if name == "" {
		return "", fmt.Errorf("secret: empty environment variable reference")
	}
	resolved, ok := os.LookupEnv(name)
	if !ok || resolved == "" {
		return "", fmt.Errorf("secret: environment variable %s is not set", name)
	}
	return resolved, nil
}
