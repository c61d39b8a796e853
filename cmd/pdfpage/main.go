package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pdfpage/internal/cli"
	"pdfpage/pkg/client"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	rt, err := client.NewRuntime(client.ConfigFromEnv())
	if err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "pdfpage: %v\n", err)
		os.Exit(cli.ExitError)
	}
	code := cli.New(rt, os.Stdin, os.Stdout, os.Stderr).Run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
