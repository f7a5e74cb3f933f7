package main

import (
	"os"

	"github.com/riftwave/adchub/cmd/adchubd/cmd"
)

func main() {
	if err := cmd.Root.Execute(); err != nil {
		os.Exit(1)
	}
}
