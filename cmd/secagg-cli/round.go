package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/flashbots/secagg/protocol"
	"github.com/flashbots/secagg/services"
)

const (
	roundKey       = "round"
	participantKey = "participant"
	aggregatorKey  = "aggregator"
	coordinatorKey = "coordinator"
	payloadKey     = "payload"
	accuracyKey    = "acc-improvement"
	shapeKey       = "shape"
	paramsKey      = "params"
	waitKey        = "wait"
	pollKey        = "poll"
	idKey          = "id"
)

func addRoundFlag(flags *pflag.FlagSet) {
	flags.Uint64(roundKey, 0, "Round number (required)")
}

func parseRound(flags *pflag.FlagSet) (uint64, error) {
	round, err := flags.GetUint64(roundKey)
	if err != nil {
		return 0, err
	}
	if round == 0 {
		return 0, errors.New("--round is required and must be > 0")
	}
	return round, nil
}

func requiredURL(flags *pflag.FlagSet, name string) (string, error) {
	url, err := flags.GetString(name)
	if err != nil {
		return "", err
	}
	if url == "" {
		return "", fmt.Errorf("--%s is required", name)
	}
	return strings.TrimSuffix(url, "/"), nil
}

func roundCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "round",
		Short: "Drive a round",
	}
	c.AddCommand(
		prepareCommand(),
		contributeCommand(),
		aggregateCommand(),
		statusCommand(),
		resultCommand(),
		stateCommand(),
	)
	return c
}

func prepareCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "prepare",
		Short: "Have a participant draw its mask for a round ahead of time",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			g, err := parseGlobalFlags(c)
			if err != nil {
				return err
			}
			flags := c.Flags()
			round, err := parseRound(flags)
			if err != nil {
				return err
			}
			base, err := requiredURL(flags, participantKey)
			if err != nil {
				return err
			}
			shape, err := flags.GetIntSlice(shapeKey)
			if err != nil {
				return err
			}
			params, err := flags.GetStringSlice(paramsKey)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(c.Context(), g.Timeout)
			defer cancel()
			req := &services.PrepareMaskRequest{Layout: protocol.Layout{Shape: shape, Params: params}}
			if err := g.client().do(ctx, http.MethodPost, fmt.Sprintf("%s/rounds/%d/mask", base, round), req, nil); err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "mask for round %d prepared\n", round)
			return nil
		},
	}
	flags := c.Flags()
	addRoundFlag(flags)
	flags.String(participantKey, "", "Participant URL (required)")
	flags.IntSlice(shapeKey, nil, "Weight shape, e.g. 2,3")
	flags.StringSlice(paramsKey, nil, "Named scalar parameters")
	return c
}

func contributeCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "contribute",
		Short: "Have a participant blind and submit a model update",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			g, err := parseGlobalFlags(c)
			if err != nil {
				return err
			}
			flags := c.Flags()
			round, err := parseRound(flags)
			if err != nil {
				return err
			}
			base, err := requiredURL(flags, participantKey)
			if err != nil {
				return err
			}
			path, err := flags.GetString(payloadKey)
			if err != nil {
				return err
			}
			payload, err := readPayload(path)
			if err != nil {
				return err
			}

			req := &protocol.ContributeRequest{Round: round, Payload: payload}
			if flags.Changed(accuracyKey) {
				acc, err := flags.GetFloat64(accuracyKey)
				if err != nil {
					return err
				}
				req.AccuracyImprovement = &acc
			}

			ctx, cancel := context.WithTimeout(c.Context(), g.Timeout)
			defer cancel()
			var resp protocol.SubmitResponse
			if err := g.client().do(ctx, http.MethodPost, base+"/contribute", req, &resp); err != nil {
				return err
			}
			return printJSON(c, &resp)
		},
	}
	flags := c.Flags()
	addRoundFlag(flags)
	flags.String(participantKey, "", "Participant URL (required)")
	flags.String(payloadKey, "", "JSON file with the model update (required)")
	flags.Float64(accuracyKey, 0, "Accuracy improvement to record with the contribution")
	return c
}

func readPayload(path string) (*protocol.Payload, error) {
	if path == "" {
		return nil, fmt.Errorf("--%s is required", payloadKey)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	payload, err := protocol.DecodeMessage[protocol.Payload](f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}

func aggregateCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "aggregate",
		Short: "Start aggregating a round",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			g, err := parseGlobalFlags(c)
			if err != nil {
				return err
			}
			flags := c.Flags()
			round, err := parseRound(flags)
			if err != nil {
				return err
			}
			base, err := requiredURL(flags, aggregatorKey)
			if err != nil {
				return err
			}
			wait, err := flags.GetBool(waitKey)
			if err != nil {
				return err
			}
			poll, err := flags.GetDuration(pollKey)
			if err != nil {
				return err
			}

			client := g.client()
			ctx, cancel := context.WithTimeout(c.Context(), g.Timeout)
			defer cancel()
			var status services.RoundStatusResponse
			if err := client.do(ctx, http.MethodPost, fmt.Sprintf("%s/rounds/%d/aggregate", base, round), nil, &status); err != nil {
				return err
			}
			if wait {
				final, err := waitForRound(c.Context(), client, base, round, poll)
				if err != nil {
					return err
				}
				status = *final
			}
			return printJSON(c, &status)
		},
	}
	flags := c.Flags()
	addRoundFlag(flags)
	flags.String(aggregatorKey, "", "Aggregator URL (required)")
	flags.Bool(waitKey, false, "Wait until the round is published or abandoned")
	flags.Duration(pollKey, 2*time.Second, "Status poll interval with --wait")
	return c
}

// waitForRound polls the aggregator until round leaves the running state.
func waitForRound(ctx context.Context, client *apiClient, base string, round uint64, poll time.Duration) (*services.RoundStatusResponse, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		var status services.RoundStatusResponse
		if err := client.do(ctx, http.MethodGet, fmt.Sprintf("%s/rounds/%d/status", base, round), nil, &status); err != nil {
			return nil, err
		}
		switch status.Status {
		case services.RoundDone, services.RoundAbandoned:
			return &status, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func statusCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "status",
		Short: "Show the aggregation status of a round",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			g, err := parseGlobalFlags(c)
			if err != nil {
				return err
			}
			flags := c.Flags()
			round, err := parseRound(flags)
			if err != nil {
				return err
			}
			base, err := requiredURL(flags, aggregatorKey)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(c.Context(), g.Timeout)
			defer cancel()
			var status services.RoundStatusResponse
			if err := g.client().do(ctx, http.MethodGet, fmt.Sprintf("%s/rounds/%d/status", base, round), nil, &status); err != nil {
				return err
			}
			return printJSON(c, &status)
		},
	}
	addRoundFlag(c.Flags())
	c.Flags().String(aggregatorKey, "", "Aggregator URL (required)")
	return c
}

func resultCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "result",
		Short: "Fetch a participant's decrypted copy of the global result",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			g, err := parseGlobalFlags(c)
			if err != nil {
				return err
			}
			flags := c.Flags()
			round, err := parseRound(flags)
			if err != nil {
				return err
			}
			base, err := requiredURL(flags, participantKey)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(c.Context(), g.Timeout)
			defer cancel()
			var result protocol.GlobalResult
			if err := g.client().do(ctx, http.MethodGet, fmt.Sprintf("%s/global/%d", base, round), nil, &result); err != nil {
				return err
			}
			return printJSON(c, &result)
		},
	}
	addRoundFlag(c.Flags())
	c.Flags().String(participantKey, "", "Participant URL (required)")
	return c
}

func stateCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "state",
		Short: "Show a participant's submission state at the coordinator",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			g, err := parseGlobalFlags(c)
			if err != nil {
				return err
			}
			flags := c.Flags()
			round, err := parseRound(flags)
			if err != nil {
				return err
			}
			base, err := requiredURL(flags, coordinatorKey)
			if err != nil {
				return err
			}
			id, err := flags.GetString(idKey)
			if err != nil {
				return err
			}
			if id == "" {
				return fmt.Errorf("--%s is required", idKey)
			}
			ctx, cancel := context.WithTimeout(c.Context(), g.Timeout)
			defer cancel()
			var state services.StateResponse
			if err := g.client().do(ctx, http.MethodGet, fmt.Sprintf("%s/rounds/%d/state/%s", base, round, id), nil, &state); err != nil {
				return err
			}
			return printJSON(c, &state)
		},
	}
	flags := c.Flags()
	addRoundFlag(flags)
	flags.String(coordinatorKey, "", "Coordinator URL (required)")
	flags.String(idKey, "", "Participant id (required)")
	return c
}
