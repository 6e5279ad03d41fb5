// Command replay feeds a recorded landmark stream through the analysis
// pipeline and prints rep events and the session summary.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
