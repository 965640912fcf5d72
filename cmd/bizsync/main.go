// Command bizsync is the offline-first business records CLI.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/bizsync/internal/cli"
)

func main() {
	err := cli.NewRootCommand().ExecuteContext(context.Background())
	if err != nil && !cli.Reported(err) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
