package main

import (
	"os"

	"github.com/xor-freenet/wotfetch/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
