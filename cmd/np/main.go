package main

import (
	"fmt"
	"os"

	"github.com/sshnp-go/sshnp/cmd/np/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(commands.ExitCodeFor(err))
	}
}
