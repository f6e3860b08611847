// Command pbftnode runs one replica of a PBFT-ordered replicated state
// machine that discovers its peer group on the local network.
package main

import (
	"os"

	"pbftnode/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
