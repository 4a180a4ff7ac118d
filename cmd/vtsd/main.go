// Command vtsd runs the VTS/TLS transport daemon and its supporting
// key/certificate tooling.
package main

import (
	"fmt"
	"os"

	"github.com/halvorsen/vtsd/cmd/vtsd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
