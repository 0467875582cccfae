package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "go-presence",
		Short: "Presence and directed messaging server for controllers and devices",
		Long: `go-presence accepts authenticated WebSocket connections from controllers
and the devices they own, tracks who is online, routes messages between them
and reaps connections that stop answering liveness probes.`,
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
