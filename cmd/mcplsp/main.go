// Command mcplsp bridges an AI-assistant JSON-RPC client on stdio to a
// language-server child process.
package main

import (
	"fmt"
	"os"

	"github.com/wharflab/mcplsp/cmd/mcplsp/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
