package paths

import (
	"flag"
)

// SetupDirPathFlag creates a new string flag with the passed name with a
// sane default for the path to the directory, if found using the FindDir
// function. If not, the flag defaults to an empty string.
func SetupDirPathFlag(dirName, flagName string, flagPtr *string) {
	flag.StringVar(flagPtr, flagName, FindDir(dirName), "Path to the "+dirName+" directory")
}
