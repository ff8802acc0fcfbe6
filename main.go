// Package main is the entry point for the VRL surveillance ingestion client.
package main

import (
	"fmt"
	"os"

	"github.com/Hyrol7/vrl-client/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
