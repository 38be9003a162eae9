// Package main provides pnodectl, the command-line tool for a processor node.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/linlinhaohao888/LegoOS/pkg/config"
)

func main() {
	if err := App().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// App builds the pnodectl application.
func App() *cli.App {
	return &cli.App{
		Name:  "pnodectl",
		Usage: "Processor node restore tool",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "socket",
				Usage:   "Agent API socket path",
				EnvVars: []string{"PNODE_SOCKET"},
				Value:   config.DefaultSocketPath,
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Output format: table, json or yaml",
				Value:   formatTable,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: defaultTimeout,
			},
		},
		Commands: []*cli.Command{
			restoreCommand(),
			importCRIUCommand(),
			tasksCommand(),
			exitCommand(),
			processesCommand(),
		},
	}
}
