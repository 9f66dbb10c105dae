package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/fogwatch/client"
)

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "Query the fogwatch read API",
		Description: `Every subcommand prints JSON. Use --jq to post-process the response, e.g.

  fogwatch client nodes --jq '.[] | select(.status == "offline") | .node_id'`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "jq",
				Usage: "jq filter applied to the response",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 10 * time.Second,
			},
		},
		Subcommands: []*cli.Command{
			{
				Name:  "nodes",
				Usage: "List nodes with their liveness status",
				Action: func(c *cli.Context) error {
					nodes, err := newClient(c).Nodes(c.Context)
					if err != nil {
						return err
					}
					return render(c, nodes)
				},
			},
			{
				Name:      "node",
				Usage:     "Show a single node",
				ArgsUsage: "NODE_ID",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("requires exactly one argument: node id")
					}
					node, err := newClient(c).Node(c.Context, c.Args().First())
					if err != nil {
						return err
					}
					return render(c, node)
				},
			},
			{
				Name:  "transactions",
				Usage: "List recent transactions",
				Flags: recentFlags(),
				Action: func(c *cli.Context) error {
					txns, err := newClient(c).Transactions(c.Context, recentFilter(c))
					if err != nil {
						return err
					}
					return render(c, txns)
				},
			},
			{
				Name:  "fraud-results",
				Usage: "List recent classification results",
				Flags: recentFlags(),
				Action: func(c *cli.Context) error {
					results, err := newClient(c).FraudResults(c.Context, recentFilter(c))
					if err != nil {
						return err
					}
					return render(c, results)
				},
			},
			{
				Name:  "fraud-rate",
				Usage: "Show the fraud rate per node",
				Action: func(c *cli.Context) error {
					rates, err := newClient(c).FraudRates(c.Context)
					if err != nil {
						return err
					}
					if c.String("jq") != "" || c.Bool("json") {
						return render(c, rates)
					}

					w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
					fmt.Fprintln(w, "NODE\tTOTAL\tFRAUD\tRATE")
					for _, r := range rates {
						fmt.Fprintf(w, "%s\t%d\t%d\t%.2f%%\n", r.NodeID, r.Total, r.Fraud, r.Rate*100)
					}
					return w.Flush()
				},
			},
			{
				Name:  "volume",
				Usage: "Show transaction volume over time",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "bucket", Usage: "Bucket width", Value: time.Hour},
					&cli.DurationFlag{Name: "since", Usage: "How far back to look (0 for all time)", Value: 24 * time.Hour},
				},
				Action: func(c *cli.Context) error {
					buckets, err := newClient(c).Volume(c.Context, c.Duration("bucket"), c.Duration("since"))
					if err != nil {
						return err
					}
					return render(c, buckets)
				},
			},
			{
				Name:  "summary",
				Usage: "Show fleet-wide totals",
				Action: func(c *cli.Context) error {
					sum, err := newClient(c).Summary(c.Context)
					if err != nil {
						return err
					}
					return render(c, sum)
				},
			},
		},
	}
}

func recentFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Usage: "Maximum rows (server default 100, max 1000)"},
		&cli.StringFlag{Name: "node", Aliases: []string{"n"}, Usage: "Filter by node id"},
	}
}

func recentFilter(c *cli.Context) client.RecentFilter {
	return client.RecentFilter{Limit: c.Int("limit"), NodeID: c.String("node")}
}

func newClient(c *cli.Context) *client.Client {
	return client.NewClient(
		c.String("server-url"),
		&http.Client{Timeout: c.Duration("timeout")},
		cliLogger(),
	)
}

// render prints v as JSON, or the results of the --jq filter when set.
func render(c *cli.Context, v any) error {
	filter := c.String("jq")
	if filter == "" {
		return outputJSON(c.App.Writer, v)
	}
	return runJQ(c.App.Writer, filter, v)
}

// runJQ evaluates filter against the JSON form of v and writes each result
// on its own line. Strings are printed raw.
func runJQ(w io.Writer, filter string, v any) error {
	query, err := gojq.Parse(filter)
	if err != nil {
		return fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
	}

	// gojq only understands plain JSON values.
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var input any
	if err := json.Unmarshal(raw, &input); err != nil {
		return err
	}

	iter := code.Run(input)
	for {
		out, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, isErr := out.(error); isErr {
			return fmt.Errorf("jq filter failed: %w", err)
		}
		if s, isStr := out.(string); isStr {
			fmt.Fprintln(w, s)
			continue
		}
		b, err := json.Marshal(out)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(b))
	}
}

