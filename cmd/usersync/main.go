// Command usersync maintains an offline-first cache of a remote user directory.
package main

import (
	"fmt"
	"os"

	"github.com/mschirtzinger/usersync/internal/ui"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.FailLine(err.Error()))
		os.Exit(exitCode(err))
	}
}
