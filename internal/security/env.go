package security

import (
	"os"
	"slices"
	"strings"
)

// Snap code is untrusted: the runtime it runs in must not inherit host
// credentials, and must not be steered by variables that load code.
var (
	blockedEnvPrefixes = []string{
		"SNAPHOST_", "AGE_", "MNEMONIC", "SEED_PHRASE",
		"INFURA_", "ALCHEMY_", "ETHERSCAN_",
		"AWS_SECRET", "AWS_SESSION_TOKEN", "GITHUB_TOKEN", "GH_TOKEN", "NPM_TOKEN",
		"OTEL_EXPORTER_OTLP_HEADERS",
	}
	blockedEnvNames = []string{"AWS_SECRET_ACCESS_KEY", "DATABASE_URL", "NODE_OPTIONS", "NODE_PATH"}
)

// minEnvSecretLen is the shortest credential scrubbed out of inherited
// values; shorter ones match too much unrelated text.
const minEnvSecretLen = 8

// SanitizedEnv returns the host environment with blocked variables
// removed and store's secrets masked in what is left. store may be nil.
func SanitizedEnv(store *CredentialStore) []string {
	var secrets []string
	if store != nil {
		secrets = store.Values()
	}
	return filterEnv(os.Environ(), secrets)
}

func filterEnv(environ, secrets []string) []string {
	secrets = slices.DeleteFunc(slices.Clone(secrets), func(s string) bool { return len(s) < minEnvSecretLen })

	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || blockedEnvVar(name) {
			continue
		}
		for _, s := range secrets {
			kv = strings.ReplaceAll(kv, s, RedactPlaceholder)
		}
		out = append(out, kv)
	}
	return out
}

func blockedEnvVar(name string) bool {
	name = strings.ToUpper(name)
	if slices.Contains(blockedEnvNames, name) {
		return true
	}
	return slices.ContainsFunc(blockedEnvPrefixes, func(p string) bool { return strings.HasPrefix(name, p) })
}
