// Package main provides the shellcache CLI: it runs the offline caching
// proxy and inspects the generations it stores.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
