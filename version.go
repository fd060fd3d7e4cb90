package go_audiocdn

import (
	"fmt"
	"runtime"
)

func VersionNumberString() string {
	// TODO: we probably want a commit hash for non-debug binaries
	return "dev"
}

func VersionString() string {
	return fmt.Sprintf("go-audiocdn %s", VersionNumberString())
}

func UserAgent() string {
	return fmt.Sprintf("go-audiocdn/%s Go/%s", VersionNumberString(), runtime.Version())
}
