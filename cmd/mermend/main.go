package main

import (
	"fmt"
	"os"
)

const usage = `mermend renders streamed diagram definitions.

Usage:
  mermend serve    [-listen-addr :4200]   run the HTTP API
  mermend mcp                             serve MCP tools over stdio
  mermend repair   [-type T] [-trace]     fix a definition read from stdin
  mermend render   [-dark] [-o file]      render a definition read from stdin
  mermend install  [flags]                write settings and fetch mermaid-ascii
  mermend update   [-skip-verify]         replace this binary with the latest release
  mermend version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "mcp":
		err = runMCP(args)
	case "repair":
		err = runRepair(args, os.Stdin, os.Stdout, os.Stderr)
	case "render":
		err = runRender(args, os.Stdin, os.Stdout)
	case "install":
		err = runInstall(args)
	case "update":
		err = runUpdate(args)
	case "version", "-v", "--version":
		printVersion()
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
