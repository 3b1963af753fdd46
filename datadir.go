package onionshare

import (
	"errors"
	"os"
	"path"
	"path/filepath"

	"github.com/mjl-/onionshare/internal/xerr"
)

// ErrNoDataDir is returned by NearestDataDir when no ".onionshare" directory
// exists in the current directory or its parents.
var ErrNoDataDir = errors.New("no .onionshare directory found")

// NearestDataDir locates the nearest directory named ".onionshare", starting at
// the current directory, walking up to the root.
func NearestDataDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for lastDir := ""; dir != lastDir; lastDir, dir = dir, path.Dir(dir) {
		filename := dir + "/.onionshare"
		info, err := os.Stat(filename)
		if err != nil && os.IsNotExist(err) {
			continue
		}
		if err == nil && !info.Mode().IsDir() {
			return filename, xerr.Prefix(ErrNoDataDir, "%s not a directory", filename)
		}
		return filename, err
	}
	return "", ErrNoDataDir
}

// DataDir returns the directory for the key store and default settings file:
// the nearest ".onionshare" directory, or "onionshare" in the user's config
// directory, which is created if needed.
func DataDir() (string, error) {
	dir, err := NearestDataDir()
	if err == nil || !errors.Is(err, ErrNoDataDir) || dir != "" {
		return dir, err
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	dir = filepath.Join(base, "onionshare")
	return dir, os.MkdirAll(dir, 0700)
}
