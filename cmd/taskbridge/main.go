package main

import (
	"fmt"
	"os"

	"github.com/taskbridge/taskbridge/cmd/taskbridge/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
