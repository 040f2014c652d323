package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"ocpihub/backend/libs/logging"
	"ocpihub/backend/services/ocpi-service/internal/app"
	"ocpihub/backend/services/ocpi-service/internal/auth"
	"ocpihub/backend/services/ocpi-service/internal/config"
	"ocpihub/backend/services/ocpi-service/internal/models"
)

const serviceName = "ocpi-service"

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           serviceName,
		Short:         "OCPI 2.2 EMSP interface of the roaming hub",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file (defaults to $CONFIG_FILE)")

	root.AddCommand(
		newServeCommand(&configPath),
		newTokenCommand(&configPath),
		newCredentialsCommand(),
	)
	return root
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Long: `Serve the EMSP Locations, Tariffs, Sessions, CDRs, Tokens and Commands modules.
Resources are kept in PostgreSQL when a DSN is configured and pending commands in Redis
when an address is configured; otherwise both live in process memory.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			logger, err := logging.NewLogger(serviceName)
			if err != nil {
				return err
			}
			defer logger.Sync()

			application, err := app.New(ctx, cfg, logger)
			if err != nil {
				logger.Error("failed to init ocpi service", zap.Error(err))
				return err
			}
			defer application.Close()

			if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("ocpi service stopped with error", zap.Error(err))
				return err
			}
			return nil
		},
	}
}

func newTokenCommand(configPath *string) *cobra.Command {
	var (
		subject string
		roles   []string
		admin   bool
		ttl     time.Duration
	)

	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a bearer access token signed with the configured JWT secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.JWT.Secret == "" {
				return errors.New("jwt secret is not configured")
			}
			partyRoles, err := parseRoles(roles)
			if err != nil {
				return err
			}
			if len(partyRoles) == 0 && !admin {
				return errors.New("at least one --role or --admin is required")
			}
			if ttl <= 0 {
				ttl = cfg.TokenTTL()
			}
			token, err := auth.NewTokenService(cfg.JWT.Secret, ttl).GenerateToken(subject, partyRoles, admin)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "token subject")
	issue.Flags().StringSliceVar(&roles, "role", nil, "party role as CC:PID:ROLE, repeatable")
	issue.Flags().BoolVar(&admin, "admin", false, "grant the administrative scope")
	issue.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to jwt.expiresInMinutes)")
	_ = issue.MarkFlagRequired("subject")

	token := &cobra.Command{Use: "token", Short: "Manage bearer access tokens"}
	token.AddCommand(issue)
	return token
}

func newCredentialsCommand() *cobra.Command {
	var cost int

	hash := &cobra.Command{
		Use:   "hash [token]",
		Short: "Print the bcrypt hash of a credentials token for the config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("token is required as argument or on stdin")
				}
				token = strings.TrimSpace(line)
			}
			hashed, err := auth.NewBcryptHasher(cost).Hash(token)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hashed)
			return nil
		},
	}
	hash.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")

	credentials := &cobra.Command{Use: "credentials", Short: "Manage OCPI credentials tokens"}
	credentials.AddCommand(hash)
	return credentials
}

// parseRoles turns CC:PID:ROLE values into party roles.
func parseRoles(values []string) ([]models.PartyRole, error) {
	out := make([]models.PartyRole, 0, len(values))
	for _, v := range values {
		parts := strings.Split(v, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid role %q, want CC:PID:ROLE", v)
		}
		role := models.Role(strings.ToUpper(parts[2]))
		switch role {
		case models.RoleCPO, models.RoleEMSP, models.RoleHUB:
		default:
			return nil, fmt.Errorf("invalid role %q", parts[2])
		}
		out = append(out, models.PartyRole{
			CountryCode: strings.ToUpper(parts[0]),
			PartyID:     strings.ToUpper(parts[1]),
			Role:        role,
		})
	}
	return out, nil
}
