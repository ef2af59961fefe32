// Command authctl is the operator CLI for contestkit: it mints and inspects
// session tokens, inspects and resets rate-limit keys, and manages the
// users table.
package main

import (
	"os"

	"contestkit.org/internal/config"
)

func main() {
	root := newRootCmd(config.FromEnv)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
