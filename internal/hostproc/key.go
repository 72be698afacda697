package hostproc

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// GroupKey derives the supervisor's group-map key for a given
// (sessionID, pluginID, capabilityID, multiSession) combination.
// Single-session capabilities get one process per session; a
// multi-session capability shares one process across every session
// for the same (plugin, capability) pair.
func GroupKey(sessionID, pluginID, capabilityID string, multiSession bool) string {
	if multiSession {
		return fmt.Sprintf("multi:%s:%s", pluginID, capabilityID)
	}
	return fmt.Sprintf("session:%s", sessionID)
}

// pipeNameMaxPluginChars bounds how much of pluginID survives into the
// derived pipe name, keeping the final Unix-domain-socket path well
// under the ~108-byte sun_path limit once combined with a temp
// directory prefix.
const pipeNameMaxPluginChars = 12

// derivedHashChars is the length of the truncated SHA-256 hex digest
// folded into the pipe name.
const derivedHashChars = 20

// DerivePipeName builds a short, filesystem-safe name identifying the
// duplex pipe for a given group key, combining a truncated plugin id
// prefix with a hash of (pluginID, discriminator) and a random nonce
// so concurrent supervisors never collide on the same name.
func DerivePipeName(pluginID, discriminator string) string {
	prefix := sanitize(pluginID)
	if len(prefix) > pipeNameMaxPluginChars {
		prefix = prefix[:pipeNameMaxPluginChars]
	}

	sum := sha256.Sum256([]byte(pluginID + "|" + discriminator))
	hash := hex.EncodeToString(sum[:])[:derivedHashChars]

	nonce := uuid.New().String()[:8]

	return fmt.Sprintf("%s-%s-%s", prefix, hash, nonce)
}

// PipeSocketPath returns the Unix-domain-socket path a derived pipe
// name should bind to, rooted under the OS temp directory.
func PipeSocketPath(pipeName string) string {
	return filepath.Join(os.TempDir(), "sessionhost", "pipe", pipeName+".sock")
}

func sanitize(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			out = append(out, c)
		case c >= 'A' && c <= 'Z':
			out = append(out, c-'A'+'a')
		default:
			// drop anything that isn't a lowercase alphanumeric
		}
	}
	return string(out)
}
