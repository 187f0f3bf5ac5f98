// ecs-tunnel forwards local ports into a running container through the
// orchestration platform's exec channel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ecstunnel/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}
