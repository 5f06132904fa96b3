// Package main provides the entry point for the causantic CLI.
package main

import (
	"os"

	"github.com/entrolution/causantic/cmd/causantic/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
