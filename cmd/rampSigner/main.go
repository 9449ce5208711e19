package main

import (
	"fmt"
	"os"

	cli "github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "rampSigner",
		Usage: "Multi-chain ephemeral transaction signer",
		Description: `rampSigner creates one-time ephemeral accounts and presigns ramp transactions
for EVM, Substrate and Stellar networks. Every template is signed at its nonce and at
the following look-ahead nonces so the orchestration can resubmit without the signer.`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				EnvVars: []string{"DEBUG"},
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a YAML configuration file",
				EnvVars: []string{"RAMP_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "alchemy-api-key",
				Usage:   "Alchemy API key; keyed endpoints are tried before public ones",
				EnvVars: []string{"ALCHEMY_API_KEY"},
			},
			&cli.BoolFlag{
				Name:    "sandbox",
				Usage:   "Sign Stellar envelopes for the test network",
				EnvVars: []string{"SANDBOX_ENABLED"},
			},
			// Executor account, only used by the fund command
			&cli.StringFlag{
				Name:    "tx-private-key",
				Usage:   "Executor private key (hex format, with or without 0x prefix)",
				EnvVars: []string{"TX_PRIVATE_KEY"},
			},
			&cli.StringFlag{
				Name:    "tx-aws-kms-key-id",
				Usage:   "AWS KMS key ID of the executor account",
				EnvVars: []string{"TX_AWS_KMS_KEY_ID"},
			},
			&cli.StringFlag{
				Name:    "tx-aws-region",
				Usage:   "AWS region of the executor KMS key",
				Value:   "us-east-1",
				EnvVars: []string{"TX_AWS_REGION"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "ephemeral",
				Usage: "Create ephemeral accounts",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:    "family",
						Aliases: []string{"f"},
						Usage:   "Chain family: evm, substrate or stellar (repeatable)",
						Value:   cli.NewStringSlice("evm", "substrate", "stellar"),
					},
					&cli.UintFlag{
						Name:  "ss58",
						Usage: "SS58 prefix of the printed Substrate address",
						Value: 42,
					},
				},
				Action: ephemeralAction,
			},
			{
				Name:  "sign",
				Usage: "Presign unsigned transactions with ephemeral accounts",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "unsigned",
						Usage:    "JSON file with the unsigned transaction list",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "ephemerals",
						Usage:    "JSON file with the ephemeral account set",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "lookahead",
						Usage: "Signatures per template, primary included (overrides config)",
					},
				},
				Action: signAction,
			},
			{
				Name:  "route",
				Usage: "Quote a cross-chain route and build its approve and swap templates",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "from-network", Required: true},
					&cli.StringFlag{Name: "to-network", Required: true},
					&cli.StringFlag{Name: "from-token", Required: true},
					&cli.StringFlag{Name: "to-token", Usage: "Destination token; ignored with --receiver"},
					&cli.StringFlag{Name: "amount", Usage: "Raw input amount", Required: true},
					&cli.StringFlag{Name: "from-address", Required: true},
					&cli.StringFlag{Name: "to-address", Usage: "Destination address (defaults to --from-address)"},
					&cli.Uint64Flag{Name: "nonce", Usage: "Starting nonce of the approve template"},
					&cli.StringFlag{
						Name:  "receiver",
						Usage: "Moonbeam receiving contract; builds a post hook route",
					},
					&cli.StringFlag{
						Name:  "receiver-account",
						Usage: "32 byte hex account id the receiving contract forwards to",
					},
				},
				Action: routeAction,
			},
			{
				Name:   "warm",
				Usage:  "Connect every configured Substrate network and report its runtime",
				Action: warmAction,
			},
			{
				Name:  "submit",
				Usage: "Submit a presigned EVM transaction",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "network", Required: true},
					&cli.StringFlag{Name: "raw", Usage: "0x-prefixed signed transaction", Required: true},
				},
				Action: submitAction,
			},
			{
				Name:  "execute",
				Usage: "Sign and submit a Substrate extrinsic with the ephemeral, waiting for finalization",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "network", Required: true},
					&cli.StringFlag{Name: "extrinsic", Usage: "Hex encoded unsigned extrinsic", Required: true},
					&cli.StringFlag{Name: "ephemerals", Usage: "JSON file with the ephemeral account set", Required: true},
				},
				Action: executeAction,
			},
			{
				Name:  "fund",
				Usage: "Send native tokens from the executor account to an address",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "network", Required: true},
					&cli.StringFlag{Name: "to", Required: true},
					&cli.StringFlag{Name: "amount", Usage: "Amount in wei", Required: true},
				},
				Before: validateExecutorFlags,
				Action: fundAction,
			},
			{
				Name:  "serve",
				Usage: "Keep connections warm and expose Prometheus metrics",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "metrics-addr",
						Usage:   "Listen address of the metrics endpoint (overrides config)",
						EnvVars: []string{"METRICS_ADDR"},
					},
				},
				Action: serveAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func validateExecutorFlags(c *cli.Context) error {
	txPrivateKey := c.String("tx-private-key")
	txKMSKeyID := c.String("tx-aws-kms-key-id")

	if txPrivateKey == "" && txKMSKeyID == "" {
		return fmt.Errorf("must specify either --tx-private-key or --tx-aws-kms-key-id for transaction signing")
	}
	if txPrivateKey != "" && txKMSKeyID != "" {
		return fmt.Errorf("cannot specify both --tx-private-key and --tx-aws-kms-key-id")
	}
	return nil
}
