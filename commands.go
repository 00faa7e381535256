package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"execution-core/internal/api"
	"execution-core/pkg/config"
	"execution-core/pkg/credentials"
)

// encryptCommand turns a plaintext secret into an ENC[vN]: value that can
// be stored in the environment in place of the raw API key or secret.
func encryptCommand() *cli.Command {
	return &cli.Command{
		Name:      "encrypt",
		Usage:     "Encrypt a credential value with the current " + credentials.MasterKeyEnv,
		ArgsUsage: "VALUE",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			value := cmd.Args().First()
			if value == "" {
				return errors.New("usage: execution-core encrypt VALUE")
			}
			keys, err := credentials.NewKeyManager(os.Getenv)
			if err != nil {
				return err
			}
			enc, err := keys.Encrypt(value)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, enc)
			return nil
		},
	}
}

func genKeyCommand() *cli.Command {
	return &cli.Command{
		Name:  "genkey",
		Usage: "Print a new random master encryption key",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			key, err := credentials.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%s=%s\n", credentials.MasterKeyEnv, key)
			return nil
		},
	}
}

// tokenCommand mints a bearer token for the control endpoints.
func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue an operator token for the HTTP control API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "operator", Value: "operator", Usage: "Name recorded with control actions"},
			&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour, Usage: "Token lifetime"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			tok, err := api.GenerateToken(cmd.String("operator"), cfg.JWTSecret, cmd.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, tok)
			return nil
		},
	}
}
