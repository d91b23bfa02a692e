// Command framecmd replays command files through the frame interpreter.
package main

import (
	"os"

	"github.com/gogpu/framecmd/cmd/framecmd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
