package core

import (
	"os"
	"sync"
)

// cwdState caches the process working directory. It is initialised once on
// first read and can be overridden by embedders that relocate application
// resources (tests do this too).
var cwdState struct {
	mu    sync.Mutex
	value string
}

// Setcwd overrides the cached working directory.
func Setcwd(value string) {
	cwdState.mu.Lock()
	defer cwdState.mu.Unlock()
	cwdState.value = value
}

// Getcwd returns the cached working directory, initialising it from the
// process on first use.
func Getcwd() string {
	cwdState.mu.Lock()
	defer cwdState.mu.Unlock()
	if cwdState.value != "" {
		return cwdState.value
	}
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	cwdState.value = dir
	return cwdState.value
}
