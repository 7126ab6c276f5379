package main

import (
	"fmt"
	"os"

	"github.com/AngelP17/YieldOps/cmd/yieldopsd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(commands.ExitCode(err))
	}
}
