// Harness MCP server.
// Exposes harness status tools over MCP stdio transport.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/gateway-fm/cellshot/internal/mcp"
)

type options struct {
	APIURL string `long:"api-url" env:"SHOT_API_URL" description:"harness HTTP API base URL" default:"http://localhost:13001"`
}

func main() {
	var opts options
	if _, err := flags.ParseArgs(&opts, os.Args[1:]); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "failed to parse flags: %v\n", err)
		os.Exit(2)
	}

	s := server.NewMCPServer(
		"cellshot",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	client := mcptools.NewClient(opts.APIURL)
	mcptools.RegisterTools(s, client)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
