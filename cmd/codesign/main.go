/*
Package main provides the CLI entry point for codesign.
*/
package main

import (
	"os"

	"github.com/oarkflow/codesign/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
