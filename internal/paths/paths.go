// Package paths resolves the filesystem locations the launcher depends on:
// the user data directory, the embedded backend and its dependencies, and the
// per-platform directory holding the native daemon binaries.
package paths

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
)

// Mode selects how paths are derived.
type Mode string

const (
	// ModeInstalled derives paths from the per-user application data
	// directory and the bundled resources directory.
	ModeInstalled Mode = "installed"
	// ModeDevelopment derives paths from fixed offsets under the source tree.
	ModeDevelopment Mode = "development"
)

// Layout names shared with the packaging step.
const (
	BackendDirName = "nodeserver"
	BackendEntry   = "app.js"
	DepsDirName    = "node_modules"
	BinaryDirName  = "bin"
	DataDirName    = "data"
	UnpackedDir    = "app.asar.unpacked"
)

// Options are the inputs of Resolve. Zero values fall back to the running
// environment (runtime.GOOS, runtime.GOARCH, os.UserConfigDir, ...).
type Options struct {
	Mode         Mode
	GOOS         string
	GOARCH       string
	AppName      string
	EntryFile    string // defaults to BackendEntry
	ResourcesDir string // installed mode: bundled resources directory
	SourceRoot   string // development mode: repository root
	DataDir      string // explicit override of the data directory

	// UserConfigDir overrides os.UserConfigDir; used by tests.
	UserConfigDir func() (string, error)
}

// Paths is the resolved layout.
type Paths struct {
	Mode             Mode   `json:"mode"`
	DataDir          string `json:"data_dir"`
	BackendDir       string `json:"backend_dir"`
	BackendEntryPath string `json:"backend_entry_path"`
	BackendDepsDir   string `json:"backend_deps_dir"`
	BinaryDir        string `json:"binary_dir"`
	Platform         string `json:"platform"`
	Arch             string `json:"arch"`
}

// Resolve computes the layout for opts. It never fails; callers detect a
// missing file with their own existence checks.
func Resolve(opts Options) Paths {
	goos := valOr(opts.GOOS, runtime.GOOS)
	goarch := valOr(opts.GOARCH, runtime.GOARCH)
	entry := valOr(opts.EntryFile, BackendEntry)
	mode := opts.Mode
	if mode == "" {
		mode = ModeDevelopment
	}

	var p Paths
	var binaryRoot string
	switch mode {
	case ModeInstalled:
		res := valOr(opts.ResourcesDir, defaultResourcesDir(goos))
		p.DataDir = userDataDir(opts)
		p.BackendDir = filepath.Join(res, UnpackedDir, BackendDirName)
		p.BackendDepsDir = filepath.Join(res, BackendDirName, DepsDirName)
		binaryRoot = filepath.Join(res, BinaryDirName)
	default:
		root := valOr(opts.SourceRoot, ".")
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
		p.DataDir = filepath.Join(root, DataDirName)
		p.BackendDir = filepath.Join(root, BackendDirName)
		p.BackendDepsDir = filepath.Join(root, BackendDirName, DepsDirName)
		binaryRoot = filepath.Join(root, BinaryDirName)
	}
	if opts.DataDir != "" {
		p.DataDir = opts.DataDir
	}
	p.Mode = mode
	p.BackendEntryPath = filepath.Join(p.BackendDir, entry)
	p.Platform = PlatformName(goos)
	p.Arch = ArchName(goarch)
	p.BinaryDir = filepath.Join(binaryRoot, p.Platform+"-"+p.Arch)
	return p
}

// DetectMode returns ModeDevelopment when sourceRoot (default: the working
// directory) contains the backend entry, ModeInstalled otherwise.
func DetectMode(sourceRoot, entry string) Mode {
	root := valOr(sourceRoot, ".")
	if Exists(filepath.Join(root, BackendDirName, valOr(entry, BackendEntry))) {
		return ModeDevelopment
	}
	return ModeInstalled
}

// PlatformName maps a GOOS value onto the directory naming used by the
// binary fetch step: darwin, win or linux.
func PlatformName(goos string) string {
	switch goos {
	case "windows", "win32", "win":
		return "win"
	case "darwin":
		return "darwin"
	case "linux":
		return "linux"
	default:
		return goos
	}
}

// ArchName maps an architecture onto the binary directory naming. Node-style
// "x64" becomes "amd64"; everything else is kept.
func ArchName(goarch string) string {
	switch goarch {
	case "x64", "x86_64", "amd64":
		return "amd64"
	case "aarch64", "arm64":
		return "arm64"
	default:
		return goarch
	}
}

// Executable returns the path of a daemon binary inside dir for goos.
func Executable(dir, name, goos string) string {
	if valOr(goos, runtime.GOOS) == "windows" {
		name += ".exe"
	}
	return filepath.Join(dir, name)
}

// LogDiagnostics logs each resolved path and whether it exists.
func LogDiagnostics(logger *slog.Logger, p Paths) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("resolved paths",
		slog.String("mode", string(p.Mode)),
		slog.String("data_dir", p.DataDir),
		slog.String("backend_dir", p.BackendDir),
		slog.String("binary_dir", p.BinaryDir))
	for _, c := range []struct{ name, path string }{
		{"backend_dir", p.BackendDir},
		{"backend_entry", p.BackendEntryPath},
		{"backend_deps", p.BackendDepsDir},
		{"binary_dir", p.BinaryDir},
	} {
		logger.Debug("path check", slog.String("name", c.name), slog.String("path", c.path), slog.Bool("exists", Exists(c.path)))
	}
}

// Exists reports whether path exists.
func Exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func userDataDir(opts Options) string {
	name := valOr(opts.AppName, "Lnfi-Node")
	fn := opts.UserConfigDir
	if fn == nil {
		fn = os.UserConfigDir
	}
	base, err := fn()
	if err != nil || base == "" {
		if home, herr := os.UserHomeDir(); herr == nil {
			return filepath.Join(home, "."+name)
		}
		return filepath.Join(".", DataDirName)
	}
	return filepath.Join(base, name)
}

// defaultResourcesDir mirrors where desktop packagers place bundled resources
// relative to the executable.
func defaultResourcesDir(goos string) string {
	exe, err := os.Executable()
	if err != nil {
		return "resources"
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	dir := filepath.Dir(exe)
	if goos == "darwin" {
		// <App>.app/Contents/MacOS/<exe> -> <App>.app/Contents/Resources
		return filepath.Join(filepath.Dir(dir), "Resources")
	}
	return filepath.Join(dir, "resources")
}

func valOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
