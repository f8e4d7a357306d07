package tasks

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
)

// commandExists checks presence of an executable in PATH.
func commandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// commandRunner runs an external tool and returns its stderr.
type commandRunner func(ctx context.Context, name string, args ...string) (stderr string, err error)

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}

// firstWarning returns the first stderr line that is not a known-harmless
// libtiff complaint.
func firstWarning(stderr string) string {
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(line, "Wrong data type") || strings.Contains(line, "tag ignored") {
			continue
		}
		return line
	}
	return ""
}
