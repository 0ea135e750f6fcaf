// Command linkvm loads, links and initializes Java classes, and dumps and
// restores snapshot archives of linked classes.
package main

import (
	"os"
)

func main() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
