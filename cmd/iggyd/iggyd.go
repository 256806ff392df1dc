package main

import (
	"os"

	"github.com/iggy-rs/iggy/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
