package tasks

import (
	"context"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"filmarchive/internal/logging"
)

// ToolManager probes external binaries once and caches the result.
type ToolManager struct {
	mu       sync.Mutex
	statuses map[string]ToolStatus
	lookPath func(string) (string, error)
	logger   *slog.Logger
}

// NewToolManager creates a tool manager backed by exec.LookPath.
func NewToolManager(logger *slog.Logger) *ToolManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolManager{
		statuses: make(map[string]ToolStatus),
		lookPath: exec.LookPath,
		logger:   logger,
	}
}

// ToolStatus represents the availability of a tool
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// known version flags; tools not listed are only looked up.
var versionArgs = map[string][]string{
	"magick":   {"-version"},
	"convert":  {"-version"},
	"exiftool": {"-ver"},
}

// ProbedTools is what Probe checks.
var ProbedTools = []string{"magick", "convert", "exiftool"}

// CheckTool verifies if a tool is available and working. Results are cached.
func (tm *ToolManager) CheckTool(name string) ToolStatus {
	tm.mu.Lock()
	if st, ok := tm.statuses[name]; ok {
		tm.mu.Unlock()
		return st
	}
	tm.mu.Unlock()

	st := tm.check(name)

	tm.mu.Lock()
	tm.statuses[name] = st
	tm.mu.Unlock()
	return st
}

func (tm *ToolManager) check(name string) ToolStatus {
	path, err := tm.lookPath(name)
	if err != nil {
		return ToolStatus{Available: false, Error: err}
	}
	args, ok := versionArgs[name]
	if !ok {
		return ToolStatus{Available: true, Path: path}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	output, err := exec.CommandContext(ctx, path, args...).CombinedOutput()
	if err != nil {
		// some builds exit non-zero for the version flag but still print it
		if len(output) > 0 {
			return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
		}
		return ToolStatus{Available: false, Path: path, Error: err}
	}
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

// Available is shorthand for CheckTool(name).Available.
func (tm *ToolManager) Available(name string) bool {
	if tm == nil {
		return false
	}
	return tm.CheckTool(name).Available
}

// Probe checks every known tool and logs its status.
func (tm *ToolManager) Probe() map[string]ToolStatus {
	out := make(map[string]ToolStatus, len(ProbedTools))
	for _, name := range ProbedTools {
		st := tm.CheckTool(name)
		out[name] = st
		logging.LogToolStatus(tm.logger, name, st.Available, st.Version, st.Path, st.Error)
	}
	return out
}

// ImageMagick returns "magick" (v7) or "convert" (v6), or "" when neither works.
func (tm *ToolManager) ImageMagick() string {
	for _, name := range []string{"magick", "convert"} {
		if tm.Available(name) {
			return name
		}
	}
	return ""
}

// Names returns the probed tool names in order.
func (tm *ToolManager) Names() []string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	names := make([]string, 0, len(tm.statuses))
	for n := range tm.statuses {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "version") || strings.Contains(line, "Version") {
			return line
		}
	}
	if len(lines) > 0 {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}
