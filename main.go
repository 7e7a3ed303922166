package main

import (
	"os"

	"github.com/conneroisu/pagerender/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
