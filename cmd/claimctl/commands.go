package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	"claimdesk/api/internal/app"
	"claimdesk/api/internal/audit"
	"claimdesk/api/internal/auth"
	"claimdesk/api/internal/config"
	"claimdesk/api/internal/notify"
	"claimdesk/api/internal/rbac"
	"claimdesk/api/internal/store"
)

// operator is the principal claimctl acts as when reading through the
// service.
var operator = auth.Principal{SubjectID: "claimctl", Role: rbac.RoleAdmin}

func migrateCmd(cfg config.Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("migrate", flag.ContinueOnError),
		Usage: "migrate",
		Short: "Apply pending database migrations",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			db, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.ApplyMigrations(ctx, db, cfg.DatabaseDriver); err != nil {
				return err
			}
			applied, err := store.AppliedMigrations(ctx, db)
			if err != nil {
				return err
			}
			for _, version := range applied {
				o.Println("applied", version)
			}
			return nil
		},
	}
}

func tokenCmd(cfg config.Config) *Command {
	flags := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := flags.String("sub", "", "subject id the token is issued to")
	role := flags.String("role", string(rbac.RoleUser), "role: user, staff or admin")
	ttl := flags.Duration("ttl", cfg.TokenTTL, "token lifetime")

	return &Command{
		Flags: flags,
		Usage: "token --sub <id> [--role <role>] [--ttl <dur>]",
		Short: "Issue a signed access token",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			if *subject == "" {
				return errors.New("--sub is required")
			}
			r := rbac.Role(*role)
			if rbac.Normalize(*role) != r {
				return fmt.Errorf("unknown role %q", *role)
			}
			if *ttl <= 0 {
				return errors.New("--ttl must be positive")
			}
			token, err := auth.IssueToken([]byte(cfg.JWTSecret), auth.Principal{SubjectID: *subject, Role: r}, *ttl)
			if err != nil {
				return err
			}
			o.Println(token)
			return nil
		},
	}
}

func holdsCmd(cfg config.Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("holds", flag.ContinueOnError),
		Usage: "holds",
		Short: "List approved claims whose hold has lapsed",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			service, closeFn, err := openService(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			claims, err := service.ExpiredHolds(ctx, operator)
			if err != nil {
				return err
			}
			if len(claims) == 0 {
				o.Println("no expired holds")
				return nil
			}
			w := tabwriter.NewWriter(o.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CLAIM\tITEM\tCLAIMANT\tHOLD UNTIL")
			for _, c := range claims {
				hold := ""
				if c.HoldUntil != nil {
					hold = c.HoldUntil.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.ItemID, c.ClaimantSubjectID, hold)
			}
			return w.Flush()
		},
	}
}

func auditCmd(cfg config.Config) *Command {
	flags := flag.NewFlagSet("audit", flag.ContinueOnError)
	claimID := flags.String("claim", "", "claim id")

	return &Command{
		Flags: flags,
		Usage: "audit --claim <id>",
		Short: "Print the audit trail of a claim as JSON",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			if *claimID == "" {
				return errors.New("--claim is required")
			}
			service, closeFn, err := openService(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			entries, err := service.ClaimAudit(ctx, operator, *claimID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(o.out)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		},
	}
}

func openDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	return store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
}

// openService builds a read-only service over the configured database. It
// never publishes or audits.
func openService(ctx context.Context, cfg config.Config) (*app.Service, func(), error) {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	service := app.New(cfg, store.NewSQLStore(db, cfg.DatabaseDriver), notify.NewMemoryBus(), audit.Discard{}, nil)
	return service, func() { db.Close() }, nil
}
