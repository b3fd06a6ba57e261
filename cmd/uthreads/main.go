// Command uthreads runs a demonstration workload on the uthread scheduler.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "uthreads",
		Usage: "user-level threads with round-robin preemptive scheduling",
		Commands: []*cli.Command{
			runCommand(),
		},
	}
}
