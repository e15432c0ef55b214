// Package paths locates the server's data directories on disk.
package paths

import (
	"os"

	"github.com/golang/glog"
)

// FindDir locates the passed data directory shortname and returns a path
// it was found at, or an empty string.
//
// For example, for "resources" it may return
// "/usr/local/share/cabal-rgs/resources"; the conventional locations are
// the working directory, $CABAL_RGS_DATA and the system share directory.
func FindDir(dirName string) string {
	possiblePaths := []string{
		dirName,
		os.Getenv("CABAL_RGS_DATA") + "/" + dirName,
		"/usr/local/share/cabal-rgs/" + dirName,
		"/usr/share/cabal-rgs/" + dirName,
	}

	for _, path := range possiblePaths {
		if st, err := os.Stat(path); err == nil && st.IsDir() {
			glog.Infof("paths.FindDir(%q)=%s", dirName, path)
			return path
		}
	}

	return ""
}
