// Package main is the entry point for tenantctl - the session and
// organization client.
package main

import (
	"os"

	"github.com/Dicklesworthstone/tenantctl/cmd/tenantctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
