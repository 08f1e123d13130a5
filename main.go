// The main package for the kb-ingest-crawler executable.
package main

import (
	"github.com/JakeFAU/kb-ingest-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
