package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/budyz/nft-gateway/gateway"
	"github.com/budyz/nft-gateway/supply"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/urfave/cli/v3"
)

// Offline operations tool. Works against the gateway's database directly,
// so the server must be stopped first.
var app = cli.Command{
	Name: "gatewayctl",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "database-path",
			Usage: "Path of the gateway badger database",
			Value: "gateway.db",
		},
	},
	Commands: []*cli.Command{
		{
			Name:  "supply",
			Usage: "Show the delivered counter against a maximum",
			Flags: []cli.Flag{
				&cli.Uint64Flag{
					Name:  "max-supply",
					Usage: "Configured maximum supply",
				},
			},
			Action: func(ctx context.Context, c *cli.Command) (err error) {
				db, err := openDB(c)
				if err != nil {
					return err
				}
				defer db.Close()

				ledger, err := supply.New(supply.Config{DB: db, MaxUnits: c.Uint64("max-supply")})
				if err != nil {
					return fmt.Errorf("failed to load supply ledger: %w", err)
				}

				fmt.Println("delivered:", ledger.Delivered())
				fmt.Println("remaining:", ledger.Remaining())
				return nil
			},
		},
		{
			Name:      "delivery",
			Usage:     "Look up the recorded outcome for a payment reference",
			ArgsUsage: "<reference>",
			Action: func(ctx context.Context, c *cli.Command) (err error) {
				reference := c.Args().First()
				if reference == "" {
					return fmt.Errorf("missing payment reference")
				}

				db, err := openDB(c)
				if err != nil {
					return err
				}
				defer db.Close()

				ctrl := gateway.New(gateway.Config{DB: db})
				delivery, err := ctrl.Query(reference)
				if err != nil {
					return fmt.Errorf("failed to query delivery: %w", err)
				}

				contents, _ := json.MarshalIndent(delivery, "", "\t")
				fmt.Println(string(contents))
				return nil
			},
		},
	},
}

func openDB(c *cli.Command) (db *badger.DB, err error) {
	db, err = badger.Open(badger.DefaultOptions(c.String("database-path")))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func main() {
	err := app.Run(context.Background(), os.Args)
	if err != nil {
		log.Fatal(err)
	}
}
