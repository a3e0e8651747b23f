// iterate: human-in-the-loop MCP server and browser bridge.
//
// It gives an AI coding agent a confirmation tool that blocks on the
// human, a project memory backed by markdown files and a git-synced
// knowledge base, and a bridge to AI chat tabs in the browser.
//
// Usage:
//
//	iterate serve           # MCP server on stdio (plus relay hub)
//	iterate relay           # run the browser relay hub in the foreground
//	iterate monitor         # watch chat tabs over Chrome's debugging port
//	iterate send "message"  # push a message to the browser extension
//	iterate tools list      # show which tools are enabled
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
