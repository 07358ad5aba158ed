// The main package for the newsfrontier executable.
package main

import (
	"github.com/JakeFAU/newsfrontier/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
