package session

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// DeriveStateDir maps an absolute working directory to its per-run state
// directory under stateRoot. The encoding is stable across restarts and
// platforms for the same logical path, so starting a run in a previously
// used workdir reuses its state directory and conversation handle. A
// hash suffix keeps distinct workdirs distinct even when the readable
// prefix flattens to the same name.
func DeriveStateDir(stateRoot, workdir string) string {
	cleaned := filepath.Clean(workdir)
	sum := sha256.Sum256([]byte(cleaned))
	name := encodePath(cleaned) + "-" + hex.EncodeToString(sum[:4])
	return filepath.Join(stateRoot, name)
}

// encodePath flattens a path into a single directory name. Separators and
// runes that are unsafe in file names map to '-'.
func encodePath(path string) string {
	var b strings.Builder
	b.Grow(len(path))
	for _, r := range path {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
