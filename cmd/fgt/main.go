package main

import (
	"os"

	"github.com/funnel-goat/funnel-goat/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
