package main

import (
	"os"

	"github.com/opd-ai/wasession/cmd/wasession/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
