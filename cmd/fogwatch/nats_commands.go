package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/fogwatch/service/events"
	natspkg "github.com/brojonat/fogwatch/service/nats"
)

func topicFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "raw-topic",
			Usage:   "Subject for raw transactions",
			EnvVars: []string{"TOPIC_RAW"},
			Value:   events.DefaultRawTopic,
		},
		&cli.StringFlag{
			Name:    "results-topic",
			Usage:   "Subject for classification results",
			EnvVars: []string{"TOPIC_RESULTS"},
			Value:   events.DefaultResultsTopic,
		},
	}
}

// publishTransactionCommand publishes one raw transaction as a fog node would.
func publishTransactionCommand() *cli.Command {
	return &cli.Command{
		Name:  "publish-transaction",
		Usage: "Publish a single raw transaction",
		Description: `Publish one transaction on the raw topic.

Example:
  fogwatch nats publish-transaction --node N1 --time 70178 --amount 11.99 --features 0.1,-1.2,0.4`,
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "node", Usage: "Node id", Required: true},
			&cli.Float64Flag{Name: "time", Usage: "Logical transaction time", Required: true},
			&cli.Float64Flag{Name: "amount", Usage: "Transaction amount"},
			&cli.StringFlag{Name: "features", Usage: "Comma separated feature values V1..Vn"},
		}, topicFlags()...),
		Action: func(c *cli.Context) error {
			features, err := parseFeatures(c.String("features"))
			if err != nil {
				return err
			}

			pub, err := newPublisher(c)
			if err != nil {
				return err
			}
			defer pub.Close()

			ev := &events.TransactionEvent{
				NodeID:   c.String("node"),
				Time:     c.Float64("time"),
				Features: features,
				Amount:   c.Float64("amount"),
			}
			if err := pub.PublishTransaction(c.Context, ev); err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, ev)
			}
			fmt.Fprintf(c.App.Writer, "published transaction %s@%v\n", ev.NodeID, ev.Time)
			return nil
		},
	}
}

// publishResultCommand publishes one classification result.
func publishResultCommand() *cli.Command {
	return &cli.Command{
		Name:  "publish-result",
		Usage: "Publish a single classification result",
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "node", Usage: "Node id", Required: true},
			&cli.Float64Flag{Name: "time", Usage: "Logical transaction time", Required: true},
			&cli.BoolFlag{Name: "fraud", Usage: "Mark the transaction as fraudulent"},
		}, topicFlags()...),
		Action: func(c *cli.Context) error {
			pub, err := newPublisher(c)
			if err != nil {
				return err
			}
			defer pub.Close()

			ev := &events.FraudEvent{
				NodeID:     c.String("node"),
				Time:       c.Float64("time"),
				Prediction: events.PredictionLegitimate,
			}
			if c.Bool("fraud") {
				ev.Prediction = events.PredictionFraud
			}
			if err := pub.PublishFraudResult(c.Context, ev); err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, ev)
			}
			fmt.Fprintf(c.App.Writer, "published result %s@%v prediction=%d\n", ev.NodeID, ev.Time, ev.Prediction)
			return nil
		},
	}
}

// simulateCommand plays the part of a fog node.
func simulateCommand() *cli.Command {
	return &cli.Command{
		Name:  "simulate",
		Usage: "Simulate a fog node publishing transactions and results",
		Description: `Publish a stream of random transactions, each followed by its classification.

Example:
  fogwatch nats simulate --node N1 --count 100 --interval 200ms --fraud-ratio 0.05`,
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "node", Usage: "Node id", Required: true},
			&cli.IntFlag{Name: "count", Usage: "Number of transactions", Value: 10},
			&cli.DurationFlag{Name: "interval", Usage: "Delay between transactions", Value: time.Second},
			&cli.Float64Flag{Name: "fraud-ratio", Usage: "Fraction of transactions classified as fraud", Value: 0.01},
			&cli.IntFlag{Name: "dimension", Usage: "Number of feature columns", Value: events.DefaultFeatureDimension},
			&cli.Float64Flag{Name: "start-time", Usage: "Logical time of the first transaction"},
		}, topicFlags()...),
		Action: func(c *cli.Context) error {
			pub, err := newPublisher(c)
			if err != nil {
				return err
			}
			defer pub.Close()

			stats, err := natspkg.Simulate(c.Context, pub, natspkg.SimulateOptions{
				NodeID:     c.String("node"),
				Count:      c.Int("count"),
				Interval:   c.Duration("interval"),
				FraudRatio: c.Float64("fraud-ratio"),
				Dimension:  c.Int("dimension"),
				StartTime:  c.Float64("start-time"),
			})
			if err != nil {
				return fmt.Errorf("simulation stopped: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, stats)
			}
			fmt.Fprintf(c.App.Writer, "published %d transactions, %d results (%d fraud)\n",
				stats.Transactions, stats.Results, stats.Frauds)
			return nil
		},
	}
}

// inspectStreamCommand shows information about the JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the fog events JetStream stream",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "stream",
				Usage:   "Stream name",
				EnvVars: []string{"NATS_STREAM"},
				Value:   natspkg.DefaultStream,
			},
		},
		Action: func(c *cli.Context) error {
			pub, err := natspkg.NewPublisher(natspkg.Config{
				URL:    c.String("nats-url"),
				Stream: c.String("stream"),
			}, natspkg.DefaultTopics(), cliLogger(), nil)
			if err != nil {
				return err
			}
			defer pub.Close()

			info, err := pub.StreamInfo(c.Context)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, info)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Stream: %s\n", info.Config.Name)
			fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
			fmt.Fprintf(w, "Subjects:     %v\n", info.Config.Subjects)
			fmt.Fprintf(w, "Messages:     %d\n", info.State.Msgs)
			fmt.Fprintf(w, "Bytes:        %d\n", info.State.Bytes)
			fmt.Fprintf(w, "First Seq:    %d\n", info.State.FirstSeq)
			fmt.Fprintf(w, "Last Seq:     %d\n", info.State.LastSeq)
			fmt.Fprintf(w, "Consumers:    %d\n", info.State.Consumers)
			fmt.Fprintf(w, "Max Age:      %s\n", info.Config.MaxAge)
			return nil
		},
	}
}

func newPublisher(c *cli.Context) (*natspkg.JetStreamPublisher, error) {
	return natspkg.NewPublisher(
		natspkg.Config{URL: c.String("nats-url")},
		natspkg.Topics{Raw: c.String("raw-topic"), Results: c.String("results-topic")},
		cliLogger(), nil,
	)
}

func cliLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))
}

// parseFeatures parses "0.1,-1.2,0.4" into feature values. Empty input
// yields no features.
func parseFeatures(raw string) ([]float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	features := make([]float64, 0, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid feature V%d %q: %w", i+1, p, err)
		}
		features = append(features, v)
	}
	return features, nil
}
