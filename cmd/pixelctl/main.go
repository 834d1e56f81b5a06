package main

import (
	"os"

	"github.com/dunamismax/pixelproxy/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
