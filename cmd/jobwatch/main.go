// Package main は jobwatch CLI のエントリーポイントです。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := &app{}
	err := newRootCmd(a).ExecuteContext(ctx)
	_ = a.close()
	stop()
	if err != nil {
		os.Exit(1)
	}
}
