package main

import (
	"os"

	"github.com/sgerhart/threatflux/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
