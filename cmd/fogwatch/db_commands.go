package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/fogwatch/service/db"
	"github.com/brojonat/fogwatch/service/liveness"
	"github.com/brojonat/fogwatch/service/query"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or update the database schema",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Migrate(c.Context); err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, "schema is up to date")
			return nil
		},
	}
}

func listNodesCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-nodes",
		Usage:   "List all known fog nodes with their liveness status",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "freshness-window",
				Usage:   "Silence after which a node is no longer online",
				EnvVars: []string{"FRESHNESS_WINDOW"},
				Value:   liveness.DefaultConfig().FreshnessWindow,
			},
			&cli.Float64Flag{
				Name:    "warning-multiplier",
				Usage:   "Multiple of the freshness window after which a node is offline",
				EnvVars: []string{"WARNING_MULTIPLIER"},
				Value:   liveness.DefaultConfig().WarningMultiplier,
			},
		},
		Action: func(c *cli.Context) error {
			tracker, err := liveness.NewTracker(liveness.Config{
				FreshnessWindow:   c.Duration("freshness-window"),
				WarningMultiplier: c.Float64("warning-multiplier"),
			}, nil)
			if err != nil {
				return err
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			return listNodes(c.Context, c.App.Writer, store, tracker, c.Bool("json"))
		},
	}
}

// listNodes prints every node with its status computed from last_seen.
func listNodes(ctx context.Context, out io.Writer, reader query.Reader, tracker *liveness.Tracker, jsonOut bool) error {
	nodes, err := query.NewService(reader, tracker, nil).NodeStatuses(ctx)
	if err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}

	if jsonOut {
		return outputJSON(out, nodes)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tNAME\tLOCATION\tSTATUS\tLAST SEEN")
	for _, n := range nodes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			n.NodeID, n.Name, n.Location, n.Status, formatOptionalTime(n.LastSeen))
	}
	w.Flush()

	fmt.Fprintf(os.Stderr, "\nTotal: %d nodes\n", len(nodes))
	return nil
}

func listTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-transactions",
		Usage:   "List recent transactions with their predictions",
		Aliases: []string{"txs"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "node",
				Aliases: []string{"n"},
				Usage:   "Filter by node id",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Usage:   "Limit number of transactions",
				Value:   50,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			var nodeID *string
			if n := c.String("node"); n != "" {
				nodeID = &n
			}

			txns, err := store.RecentTransactions(c.Context, c.Int("limit"), nodeID)
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, txns)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NODE\tTIME\tAMOUNT\tPREDICTION\tRECEIVED")
			for _, tx := range txns {
				fmt.Fprintf(w, "%s\t%v\t%.2f\t%s\t%s\n",
					tx.NodeID, tx.TransactionTime, tx.Amount,
					formatPrediction(tx.Prediction), tx.ReceivedAt.Format(time.RFC3339))
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", len(txns))
			return nil
		},
	}
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db.NewStore(pool), pool.Close, nil
}

// Helper function to output JSON
func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC3339)
}

func formatPrediction(p *int) string {
	switch {
	case p == nil:
		return "unknown"
	case *p == 1:
		return "fraud"
	default:
		return "legitimate"
	}
}
