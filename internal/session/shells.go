package session

import (
	"os"
	"os/exec"
	"sync"
)

const fallbackShell = "/bin/bash"

var shellCache struct {
	once         sync.Once
	shells       []string
	defaultShell string
}

// resolveDefaultShell returns the shell to spawn inside a PTY: $SHELL
// when set, /bin/bash otherwise.
func resolveDefaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return fallbackShell
}

// ListAvailableShells returns the shells installed on the system and
// the default shell, with the default first. Results are cached after
// the first call.
func ListAvailableShells() (shells []string, defaultShell string) {
	shellCache.once.Do(func() {
		shellCache.defaultShell = resolveDefaultShell()
		shellCache.shells = append(shellCache.shells, shellCache.defaultShell)

		for _, name := range []string{"sh", "bash", "zsh", "fish"} {
			path, err := exec.LookPath(name)
			if err != nil {
				continue
			}
			if path == shellCache.defaultShell {
				continue
			}
			shellCache.shells = append(shellCache.shells, path)
		}
	})

	return shellCache.shells, shellCache.defaultShell
}
