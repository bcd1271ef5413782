package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"quiz-engine/internal/config"
	"quiz-engine/internal/domain"
	transport "quiz-engine/internal/transport/http"
)

// NewTokenCmd signs a bearer token with the configured secret, for local testing.
func NewTokenCmd(configPath *string) *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			r := domain.Role(role)
			switch r {
			case domain.RoleStudent, domain.RoleTutor, domain.RoleEditor, domain.RoleInstructor:
			default:
				return fmt.Errorf("unknown role %q", role)
			}
			tok, err := transport.NewAuthenticator(cfg.Auth.JWTSecret).IssueToken(args[0], r, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(domain.RoleStudent), "student, tutor, editor or instructor")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
