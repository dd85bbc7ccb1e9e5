// edrop-admin is the operator tool for the kit ordering connector. It talks to
// the same database as the server and shares its configuration (.env / env).
//
// Usage (from the repository root):
//
//	go run ./cmd/edrop-admin migrate
//	go run ./cmd/edrop-admin place-order --record 14
//	go run ./cmd/edrop-admin reconcile
//	go run ./cmd/edrop-admin list-orders --status INITIATED
//	go run ./cmd/edrop-admin complete-order --order EDROP-00014
//	go run ./cmd/edrop-admin clear-uncertain --order EDROP-00014
//	go run ./cmd/edrop-admin export-orders --out orders.xlsx
//	go run ./cmd/edrop-admin purge-runs --days 7
//	go run ./cmd/edrop-admin issue-token --subject ops --ttl 12h
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(defaultRuntime(os.Stdout)).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "edrop-admin: %v\n", err)
		os.Exit(1)
	}
}
