package main

import (
	"os"

	"fireproxy/cmd/run"
)

func main() {
	if err := run.Cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
