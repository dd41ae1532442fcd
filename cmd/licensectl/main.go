// Command licensectl operates the offline license authority: it manages
// signing keys, issues and verifies license files, exports the ledger and
// serves the admin API.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}
