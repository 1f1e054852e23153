// Package installmethod guesses how the running binary was installed. The
// custom-provider loader uses it to decide whether module plugins can be
// loaded, and doctor uses it for upgrade guidance.
package installmethod

import (
	"os"
	"path/filepath"
	"strings"
)

type Method string

const (
	GoInstall Method = "go-install"
	Homebrew  Method = "homebrew"
	Binary    Method = "binary"
	Source    Method = "source"
	Unknown   Method = "unknown"
)

// SupportsModuleProviders reports whether module-type custom providers can
// be loaded for this install method. Release artifacts (standalone binary,
// Homebrew bottle) ship without plugin source interpretation.
func (m Method) SupportsModuleProviders() bool {
	return m == GoInstall || m == Source
}

// UpgradeHint returns the command a user should run to upgrade.
func (m Method) UpgradeHint() string {
	switch m {
	case GoInstall:
		return "go install github.com/jkudish/librarium@latest"
	case Homebrew:
		return "brew upgrade librarium"
	case Source:
		return "git pull && go build ./..."
	default:
		return "download the latest release binary"
	}
}

// Detect inspects the executable path.
func Detect() Method {
	exe, err := os.Executable()
	if err != nil {
		return Unknown
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return classify(exe, os.Getenv("GOPATH"), os.Getenv("HOME"), os.TempDir())
}

func classify(exe, gopath, home, tmpDir string) Method {
	lower := strings.ToLower(exe)
	if strings.Contains(lower, "/cellar/") || strings.Contains(lower, "/homebrew/") || strings.Contains(lower, "/linuxbrew/") {
		return Homebrew
	}
	// `go run` and `go test` binaries live in the build cache.
	if tmpDir != "" && strings.HasPrefix(exe, tmpDir) && strings.Contains(exe, "go-build") {
		return Source
	}
	if gopath != "" && strings.HasPrefix(exe, filepath.Join(gopath, "bin")) {
		return GoInstall
	}
	if home != "" && strings.HasPrefix(exe, filepath.Join(home, "go", "bin")) {
		return GoInstall
	}
	return Binary
}
