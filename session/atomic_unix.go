//go:build !windows

package session

import (
	"os"

	"github.com/google/renameio"
)

// writeFileAtomic replaces path with data via a synced temporary file and rename.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	return renameio.WriteFile(path, data, perm)
}
