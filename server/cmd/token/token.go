package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/san-kum/liftform/server/config"
	"github.com/san-kum/liftform/server/middleware"
)

var errNoSecret = errors.New("no signing secret: set JWT_SECRET_KEY or pass --secret")

type options struct {
	secret   string
	userID   string
	username string
	role     string
	ttl      time.Duration
}

func newRootCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed token for the liftform API",
		Long: "Signs a token with JWT_SECRET_KEY (read from the environment or .env)\n" +
			"so it is accepted by a server running with the same secret.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.secret == "" {
				cfg, err := config.LoadConfig()
				if err != nil {
					return err
				}
				opts.secret = cfg.Security.JWTSecretKey
			}
			return mint(cmd.OutOrStdout(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.secret, "secret", "", "signing secret, defaults to JWT_SECRET_KEY")
	flags.StringVar(&opts.userID, "user-id", "admin", "user id placed in the token subject")
	flags.StringVar(&opts.username, "username", "admin", "display name carried in the token")
	flags.StringVar(&opts.role, "role", middleware.RoleAdmin, "role: admin or lifter")
	flags.DurationVar(&opts.ttl, "ttl", 12*time.Hour, "token lifetime")

	return cmd
}

func mint(w io.Writer, opts options) error {
	if opts.secret == "" {
		return errNoSecret
	}
	if opts.role != middleware.RoleAdmin && opts.role != middleware.RoleLifter {
		return fmt.Errorf("unknown role %q", opts.role)
	}
	if opts.ttl <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", opts.ttl)
	}

	auth := middleware.NewAuthMiddleware(opts.secret, zap.NewNop())
	token, err := auth.GenerateToken(opts.userID, opts.username, opts.role, opts.ttl)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(w, token)
	return err
}
