package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

var version = "dev"

func main() {
	cmd := &cli.Command{
		Name:    "execution-core",
		Usage:   "Run the multi-account order execution and position management core",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "accounts",
				Aliases: []string{"a"},
				Usage:   "Path to the accounts `FILE` (overrides ACCOUNTS_FILE)",
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "Directory for position files (overrides DATA_DIR)",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "Path to the sqlite audit database (overrides DB_PATH)",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Trade every account against a paper venue (overrides DRY_RUN)",
			},
			&cli.StringFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "HTTP port for status, metrics and control (overrides PORT)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error (overrides LOG_LEVEL)",
			},
		},
		Action: runAction,
		Commands: []*cli.Command{
			encryptCommand(),
			genKeyCommand(),
			tokenCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
