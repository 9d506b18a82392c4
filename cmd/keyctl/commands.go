package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/xenking/tonearm/internal/domain/apikey"
	"github.com/xenking/tonearm/internal/domain/auth"
	"github.com/xenking/tonearm/internal/storage/postgres"
)

// keyService is the part of *auth.Service the commands drive.
type keyService interface {
	Register(ctx context.Context, description string) (*auth.Identity, apikey.Key, error)
	Issue(ctx context.Context, ownerID int64, description string) (apikey.Key, *auth.Credential, error)
	Revoke(ctx context.Context, id int64) error
	List(ctx context.Context, ownerID int64) ([]auth.Credential, error)
}

// opener connects to the store behind databaseURL. The returned func
// releases it.
type opener func(ctx context.Context, databaseURL string) (keyService, func(), error)

func openPostgres(ctx context.Context, databaseURL string) (keyService, func(), error) {
	pool, err := postgres.NewPool(ctx, databaseURL, postgres.PoolConfig{MaxConns: 2})
	if err != nil {
		return nil, nil, err
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	svc := auth.NewService(postgres.NewCredentialRepository(pool), apikey.DefaultRegistry(), otel.GetTracerProvider())
	return svc, pool.Close, nil
}

func defaultDatabaseURL() string {
	if v := os.Getenv("TONEARM_DATABASE_URL"); v != "" {
		return v
	}
	return os.Getenv("DATABASE_URL")
}

func newRootCmd(open opener) *cobra.Command {
	var databaseURL string

	cmd := &cobra.Command{
		Use:           "keyctl",
		Short:         "Manage tonearm users and API keys",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&databaseURL, "database-url", defaultDatabaseURL(),
		"PostgreSQL connection URL (default from TONEARM_DATABASE_URL or DATABASE_URL)")

	// withService opens the store for the duration of one command.
	withService := func(run func(cmd *cobra.Command, svc keyService) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			if databaseURL == "" {
				return errors.New("database URL is required")
			}
			svc, closeFn, err := open(cmd.Context(), databaseURL)
			if err != nil {
				return errors.Wrap(err, "open store")
			}
			defer closeFn()
			return run(cmd, svc)
		}
	}

	cmd.AddCommand(
		newRegisterCmd(withService),
		newIssueCmd(withService),
		newRevokeCmd(withService),
		newListCmd(withService),
	)
	return cmd
}

type serviceRunner func(run func(cmd *cobra.Command, svc keyService) error) func(*cobra.Command, []string) error

func newRegisterCmd(with serviceRunner) *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create a user together with its first API key",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, svc keyService) error {
			id, key, err := svc.Register(cmd.Context(), description)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "user:    %d\n", id.ID)
			fmt.Fprintf(out, "api key: %s\n", key)
			fmt.Fprintln(cmd.ErrOrStderr(), "The key is shown only once; store it now.")
			return nil
		}),
	}
	cmd.Flags().StringVar(&description, "description", "", "Label for the key")
	return cmd
}

func newIssueCmd(with serviceRunner) *cobra.Command {
	var (
		owner       int64
		description string
	)

	cmd := &cobra.Command{
		Use:     "issue",
		Short:   "Issue an additional API key to an existing user",
		Example: "  keyctl issue --owner 1 --description laptop",
		Args:    cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, svc keyService) error {
			key, c, err := svc.Issue(cmd.Context(), owner, description)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "key id:  %d\n", c.ID)
			fmt.Fprintf(out, "api key: %s\n", key)
			fmt.Fprintln(cmd.ErrOrStderr(), "The key is shown only once; store it now.")
			return nil
		}),
	}
	cmd.Flags().Int64Var(&owner, "owner", 0, "User ID that will own the key (required)")
	cmd.Flags().StringVar(&description, "description", "", "Label for the key")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newRevokeCmd(with serviceRunner) *cobra.Command {
	var id int64

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke an API key by its ID",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, svc keyService) error {
			if err := svc.Revoke(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked key %d\n", id)
			return nil
		}),
	}
	cmd.Flags().Int64Var(&id, "id", 0, "Key ID (required)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newListCmd(with serviceRunner) *cobra.Command {
	var (
		owner      int64
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List a user's API keys",
		Args:    cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, svc keyService) error {
			creds, err := svc.List(cmd.Context(), owner)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), creds)
			}
			return writeTable(cmd.OutOrStdout(), creds)
		}),
	}
	cmd.Flags().Int64Var(&owner, "owner", 0, "User ID (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func writeTable(w io.Writer, creds []auth.Credential) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPREFIX\tALGORITHM\tDESCRIPTION\tCREATED\tREVOKED")
	for _, c := range creds {
		revoked := "-"
		if c.RevokedAt != nil {
			revoked = c.RevokedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.Prefix, c.Algorithm, c.Description, c.CreatedAt.UTC().Format(time.RFC3339), revoked)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, creds []auth.Credential) error {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ArrStart()
	for _, c := range creds {
		e.ObjStart()
		e.FieldStart("id")
		e.Int64(c.ID)
		e.FieldStart("owner_id")
		e.Int64(c.OwnerID)
		e.FieldStart("prefix")
		e.Str(c.Prefix)
		e.FieldStart("algorithm")
		e.Str(c.Algorithm)
		e.FieldStart("description")
		e.Str(c.Description)
		e.FieldStart("created_at")
		e.Str(c.CreatedAt.UTC().Format(time.RFC3339))
		e.FieldStart("revoked_at")
		if c.RevokedAt != nil {
			e.Str(c.RevokedAt.UTC().Format(time.RFC3339))
		} else {
			e.Null()
		}
		e.ObjEnd()
	}
	e.ArrEnd()

	_, err := w.Write(append(e.Bytes(), '\n'))
	return err
}
