package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrRestrictedPath is returned for paths inside the kernel pseudo
// filesystems.
var ErrRestrictedPath = errors.New("access to restricted path is not allowed")

var restrictedRoots = []string{"/proc", "/sys", "/dev"}

// ValidatePath rejects snap sources, key files and permission files that
// resolve into /proc, /sys or /dev. Relative paths and symlinks are
// resolved first when possible.
func ValidatePath(path string) error {
	p := filepath.Clean(path)
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if real, err := filepath.EvalSymlinks(p); err == nil {
		p = real
	}
	p = strings.ToLower(p)
	for _, root := range restrictedRoots {
		if p == root || strings.HasPrefix(p, root+"/") {
			return fmt.Errorf("%w: %s", ErrRestrictedPath, path)
		}
	}
	return nil
}
