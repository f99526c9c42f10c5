package runtime

import (
	"fmt"
	"path"
	"strings"
)

// ConfinePath resolves a sandbox path against the working directory and
// rejects anything that escapes it. Relative paths are taken relative to
// the working directory. The returned path is absolute and clean.
func ConfinePath(workingDir, remote string) (string, error) {
	if remote == "" || remote == "." {
		return workingDir, nil
	}
	p := remote
	if !path.IsAbs(p) {
		p = path.Join(workingDir, p)
	}
	clean := path.Clean(p)
	if clean != workingDir && !strings.HasPrefix(clean, workingDir+"/") {
		return "", fmt.Errorf("%w: %q resolves outside %q", ErrPathViolation, remote, workingDir)
	}
	return clean, nil
}
