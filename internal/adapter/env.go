package adapter

import (
	"os"
	"strings"
)

// filteredEnvKeys are stripped from the parent environment before an agent
// subprocess launches, mirroring the entrypoint-marker scrub leapmux
// applies so a nested agent doesn't inherit its supervisor's identity.
var filteredEnvKeys = []string{"GOCLAW_DISPATCH_AGENT_ENTRYPOINT"}

// baseEnv returns the parent process environment with filteredEnvKeys
// removed, plus a marker identifying this as a dispatcher-launched agent.
func baseEnv() []string {
	parent := filterEnv(os.Environ(), filteredEnvKeys...)
	return append(parent, "GOCLAW_DISPATCH_AGENT_ENTRYPOINT=1")
}

// filterEnv removes entries whose key (case-insensitive) matches one of keys.
func filterEnv(environ []string, keys ...string) []string {
	drop := make(map[string]bool, len(keys))
	for _, k := range keys {
		drop[strings.ToUpper(k)] = true
	}
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		k, _, ok := strings.Cut(kv, "=")
		if ok && drop[strings.ToUpper(k)] {
			continue
		}
		out = append(out, kv)
	}
	return out
}
