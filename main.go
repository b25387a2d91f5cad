// ./main.go
package main

import (
	"github.com/vibesdk/vibesdk/cmd"
)

// main is the entry point for the vibesdk service binary.
func main() {
	// Execute the root command defined in the cmd package.
	// This handles all command-line parsing, configuration, and execution.
	cmd.Execute()
}
