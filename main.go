package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vkb0205/SOCKET-Project/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Execute(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "socketshare:", err)
		stop()
		os.Exit(1)
	}
}
