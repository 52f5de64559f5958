package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultConfigPath returns the default config file path for the given
// component name (e.g. "bridge.yaml").
func DefaultConfigPath(name string) string {
	home, _ := os.UserHomeDir()
	programData := os.Getenv("ProgramData")
	return ResolveConfigPath(runtime.GOOS, home, programData, name)
}

// ResolveConfigPath constructs a config file path for the given OS and base
// directories. It is mainly used in tests.
func ResolveConfigPath(goos, home, programData, name string) string {
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "kbridge", name)
	case "windows":
		if programData == "" {
			programData = "C:/ProgramData"
		}
		programData = strings.TrimRight(programData, "\\/")
		return filepath.Join(programData, "kbridge", name)
	default:
		return filepath.Join("/etc", "kbridge", name)
	}
}

// DefaultKernelDir returns the directory where Jupyter-style kernels write
// their connection files on the given OS.
func DefaultKernelDir(goos, home string) string {
	if v := os.Getenv("JUPYTER_RUNTIME_DIR"); v != "" {
		return v
	}
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "Jupyter", "runtime")
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "jupyter", "runtime")
	default:
		return filepath.Join(home, ".local", "share", "jupyter", "runtime")
	}
}

// GetEnv returns the value of the environment variable k or d when unset.
func GetEnv(k, d string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return d
}
