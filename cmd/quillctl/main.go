// Command quillctl administers a QuillSync database: migrations, document
// access, and development tokens.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"quillsync/api/internal/app"
	"quillsync/api/internal/auth"
	"quillsync/api/internal/authpw"
	"quillsync/api/internal/config"
	"quillsync/api/internal/logging"
	"quillsync/api/internal/rbac"
	"quillsync/api/internal/store"
)

type env struct {
	store    *store.PostgresStore
	service  *app.Service
	accounts *authpw.Service
}

func main() {
	cliApp := &cli.App{
		Name:  "quillctl",
		Usage: "administer a QuillSync deployment",
		Commands: []*cli.Command{
			{
				Name:  "migrate",
				Usage: "apply pending database migrations",
				Action: func(c *cli.Context) error {
					cfg := config.Load()
					db, err := store.Open(c.Context, cfg.DatabaseURL)
					if err != nil {
						return err
					}
					defer db.Close()
					if err := store.ApplyMigrations(c.Context, db, store.Migrations(cfg.MigrationsDir)); err != nil {
						return err
					}
					fmt.Fprintln(c.App.Writer, "migrations applied")
					return nil
				},
			},
			{
				Name:  "list",
				Usage: "list the documents a user can access",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "email", Required: true, Usage: "user email"},
				},
				Action: withEnv(func(c *cli.Context, e *env) error {
					identity, err := e.identity(c.Context, c.String("email"))
					if err != nil {
						return err
					}
					docs, err := e.service.ListDocuments(c.Context, identity)
					if err != nil {
						return err
					}
					w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "ID\tTITLE\tROLE\tUPDATED")
					for _, doc := range docs {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", doc.ID, doc.Title, doc.Role, doc.UpdatedAt.Format(time.RFC3339))
					}
					return w.Flush()
				}),
			},
			{
				Name:  "share",
				Usage: "grant a user editor or viewer access to a document",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "document", Required: true, Usage: "document id"},
					&cli.StringFlag{Name: "owner", Required: true, Usage: "email of the document creator"},
					&cli.StringFlag{Name: "email", Required: true, Usage: "email of the user to share with"},
					&cli.StringFlag{Name: "role", Value: string(rbac.RoleViewer), Usage: "editor or viewer"},
				},
				Action: withEnv(func(c *cli.Context, e *env) error {
					owner, err := e.identity(c.Context, c.String("owner"))
					if err != nil {
						return err
					}
					if err := e.service.ShareDocument(c.Context, owner, c.String("document"), c.String("email"), c.String("role")); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "shared %s with %s as %s\n", c.String("document"), c.String("email"), c.String("role"))
					return nil
				}),
			},
			{
				Name:  "delete",
				Usage: "delete a document",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "document", Required: true, Usage: "document id"},
					&cli.StringFlag{Name: "owner", Required: true, Usage: "email of the document creator"},
				},
				Action: withEnv(func(c *cli.Context, e *env) error {
					owner, err := e.identity(c.Context, c.String("owner"))
					if err != nil {
						return err
					}
					if err := e.service.DeleteDocument(c.Context, owner, c.String("document")); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "deleted %s\n", c.String("document"))
					return nil
				}),
			},
			{
				Name:  "token",
				Usage: "issue a bearer token for a user (development only)",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "email", Required: true, Usage: "user email"},
					&cli.DurationFlag{Name: "ttl", Value: time.Hour, Usage: "token lifetime"},
				},
				Action: withEnv(func(c *cli.Context, e *env) error {
					session, err := e.accounts.IssueFor(c.Context, c.String("email"), c.Duration("ttl"))
					if err != nil {
						return err
					}
					fmt.Fprintln(c.App.Writer, session.Token)
					return nil
				}),
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "quillctl:", err)
		os.Exit(1)
	}
}

// withEnv opens the database for the duration of one command.
func withEnv(action func(*cli.Context, *env) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg := config.Load()
		logger := logging.New(cfg.LogLevel, "text")
		db, err := store.Open(c.Context, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		data := store.NewPostgresStore(db)
		accounts := authpw.NewService(data, cfg.JWTSecret, cfg.TokenTTL, cfg.RememberTTL)
		e := &env{
			store:    data,
			accounts: accounts,
			service: app.NewService(app.Deps{
				Store:         data,
				Accounts:      accounts,
				Authenticator: auth.NewResolver(cfg.JWTSecret, data, nil),
				Logger:        logger,
				PublicURL:     cfg.PublicURL,
			}),
		}
		return action(c, e)
	}
}

func (e *env) identity(ctx context.Context, emailAddr string) (auth.Identity, error) {
	user, err := e.store.GetUserByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return auth.Identity{}, fmt.Errorf("no user registered as %s", emailAddr)
		}
		return auth.Identity{}, err
	}
	return auth.Identity{UserID: user.ID, DisplayName: user.DisplayName, Email: user.Email}, nil
}
