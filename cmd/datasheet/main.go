// Command datasheet manages a local datasheet cache from the command line.
//
// Every command opens a session on the storage root, performs one operation
// and closes the session again:
//
//	datasheet save --link https://example.com/ds/lm317.pdf --name LM317 --manufacturer TI
//	datasheet open --link https://example.com/ds/lm317.pdf --name LM317 --manufacturer TI
//	datasheet list
//	datasheet evict
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd := newRootCmd(os.Stdout, nil)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
