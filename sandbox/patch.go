package sandbox

import "strings"

// The artifact-copy command inside /usr/local/bin/compile, verbatim.
// The patched form drops $SRC: the source tree is copied once during
// image preparation and treated as immutable for the sandbox's
// lifetime, so re-copying it (often multiple gigabytes) on every
// recompilation would dominate wall-clock time.
const (
	copySourcesCmd = `COPY_SOURCES_CMD="cp -rL --parents $SRC $WORK /usr/include /usr/local/include $GOPATH $OSSFUZZ_RUSTPATH /rustc $OUT"`
	copyNoSrcCmd   = `COPY_SOURCES_CMD="cp -rL --parents $WORK /usr/include /usr/local/include $GOPATH $OSSFUZZ_RUSTPATH /rustc $OUT"`
)

// RemoveSourceCopy rewrites the compile script's artifact-copy command
// so that it no longer re-copies the source tree. The replacement is an
// exact substring match against the upstream text: all other copy terms
// are preserved, and script text that does not contain the expected
// command comes back unchanged with changed == false, so the caller can
// flag a drifted upstream script instead of silently proceeding.
func RemoveSourceCopy(script string) (patched string, changed bool) {
	if !strings.Contains(script, copySourcesCmd) {
		return script, false
	}
	return strings.ReplaceAll(script, copySourcesCmd, copyNoSrcCmd), true
}
