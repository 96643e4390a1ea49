package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/flashbots/secagg/services"
)

const (
	nameKey   = "name"
	revokeKey = "revoke"
)

func participantsCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "participants",
		Short: "Manage the participant registry on the ledger",
	}

	register := &cobra.Command{
		Use:   "register <id>",
		Short: "Register a participant, or rename a registered one",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			g, err := parseGlobalFlags(c)
			if err != nil {
				return err
			}
			name, err := c.Flags().GetString(nameKey)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(c.Context(), g.Timeout)
			defer cancel()
			l := g.ledger()
			if err := l.RegisterParticipant(ctx, args[0], name); err != nil {
				return err
			}
			p, err := l.GetParticipant(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(c, p)
		},
	}
	register.Flags().String(nameKey, "", "Display name")

	permit := &cobra.Command{
		Use:   "permit <id>",
		Short: "Allow (or with --revoke, deny) a participant the global result",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			g, err := parseGlobalFlags(c)
			if err != nil {
				return err
			}
			revoke, err := c.Flags().GetBool(revokeKey)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(c.Context(), g.Timeout)
			defer cancel()
			l := g.ledger()
			if err := l.SetPermission(ctx, args[0], !revoke); err != nil {
				return err
			}
			p, err := l.GetParticipant(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(c, p)
		},
	}
	permit.Flags().Bool(revokeKey, false, "Revoke instead of grant")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered participants",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			g, err := parseGlobalFlags(c)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(c.Context(), g.Timeout)
			defer cancel()
			participants, err := g.ledger().ListParticipants(ctx)
			if err != nil {
				return err
			}
			return printJSON(c, participants)
		},
	}

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one participant record",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			g, err := parseGlobalFlags(c)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(c.Context(), g.Timeout)
			defer cancel()
			p, err := g.ledger().GetParticipant(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(c, p)
		},
	}

	c.AddCommand(register, permit, list, show)
	return c
}

func servicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List the services announced in the directory",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			g, err := parseGlobalFlags(c)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(c.Context(), g.Timeout)
			defer cancel()
			list, err := services.NewDirectoryClient(g.LedgerURL, g.APIKey, nil).List(ctx)
			if err != nil {
				return err
			}
			return printJSON(c, list)
		},
	}
}
