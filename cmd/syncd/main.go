package main

import (
	"context"
	"fmt"
	"os"

	"mini-sync/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "syncd:", err)
		os.Exit(cli.ExitCode(err))
	}
}
