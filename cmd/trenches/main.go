package main

import (
	"os"

	"github.com/omochice/trenches-chat/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
