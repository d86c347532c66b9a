package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/packregistry/packregistry/internal/auth"
	"github.com/packregistry/packregistry/internal/config"
	"github.com/packregistry/packregistry/internal/db/repositories"
	"github.com/packregistry/packregistry/internal/services"
)

// tokenCommand is a parsed "token" subcommand.
type tokenCommand struct {
	action      string // "issue" or "revoke"
	username    string
	scope       auth.Scope
	ttl         time.Duration
	description string
	id          string
}

func parseTokenCommand(args []string) (*tokenCommand, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("usage: packregistry token <issue|revoke> ...")
	}

	switch args[0] {
	case "issue":
		fs := flag.NewFlagSet("token issue", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		ttl := fs.Duration("ttl", 0, "token lifetime; 0 uses the configured default, negative never expires")
		desc := fs.String("description", "", "free-form note stored with the token")

		positional, err := splitFlags(fs, args[1:])
		if err != nil {
			return nil, fmt.Errorf("token issue: %w", err)
		}
		if len(positional) != 2 {
			return nil, fmt.Errorf("usage: packregistry token issue <username> <scope> [--ttl 720h] [--description text]")
		}
		scope, err := auth.ParseScope(positional[1])
		if err != nil {
			return nil, err
		}
		return &tokenCommand{
			action:      "issue",
			username:    positional[0],
			scope:       scope,
			ttl:         *ttl,
			description: *desc,
		}, nil

	case "revoke":
		if len(args) != 2 {
			return nil, fmt.Errorf("usage: packregistry token revoke <id>")
		}
		return &tokenCommand{action: "revoke", id: args[1]}, nil

	default:
		return nil, fmt.Errorf("unknown token action %q (must be issue or revoke)", args[0])
	}
}

// splitFlags lets flags appear before, between or after positional arguments.
func splitFlags(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func runToken(cfg *config.Config, cmd *tokenCommand, out io.Writer) error {
	database, err := connect(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	creds := services.NewCredentialService(repositories.NewTokenRepository(database), cfg.Auth)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd.action {
	case "issue":
		req := services.IssueRequest{Username: cmd.username, Scope: cmd.scope, TTL: cmd.ttl}
		if cmd.description != "" {
			req.Description = &cmd.description
		}
		issued, err := creds.Issue(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "id:      %s\n", issued.ID)
		fmt.Fprintf(out, "scope:   %s\n", issued.Scope)
		if issued.ExpiresAt != nil {
			fmt.Fprintf(out, "expires: %s\n", issued.ExpiresAt.Format(time.RFC3339))
		} else {
			fmt.Fprintln(out, "expires: never")
		}
		fmt.Fprintf(out, "token:   %s\n", issued.Token)
		return nil

	default:
		deleted, err := creds.RevokeByID(ctx, cmd.id)
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("token %s not found", cmd.id)
		}
		fmt.Fprintf(out, "token %s revoked\n", cmd.id)
		return nil
	}
}
