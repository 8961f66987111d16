package main

import (
	"context"
	"fmt"
	"os"

	"taskd/internal/cli"
)

var version = "dev"

func main() {
	root := cli.NewRootCommand(cli.Options{Version: version})
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
