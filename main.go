// The main package for the indexerd executable.
package main

import (
	"github.com/indexerpro/sitemap-indexer/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
