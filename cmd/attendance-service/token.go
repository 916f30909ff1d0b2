package main

import (
	"errors"
	"fmt"
	"time"

	"clinicdesk/attendance-service/internal/config"
	"clinicdesk/attendance-service/internal/httpapi"
	"clinicdesk/attendance-service/internal/scope"

	"github.com/spf13/cobra"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token for a staff member",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			role, _ := cmd.Flags().GetString("role")
			clinicID, _ := cmd.Flags().GetInt64("clinic")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			caller := scope.Caller{UserID: user, Role: role, ClinicID: clinicID}
			if user == "" {
				return errors.New("--user is required")
			}
			if _, err := scope.Resolve(caller); err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.JWTSigningKey == "" {
				return errors.New("JWT_SIGNING_KEY is required")
			}
			token, err := httpapi.SignToken([]byte(cfg.JWTSigningKey), caller, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("user", "", "Subject of the token")
	cmd.Flags().String("role", "receptionist", "Role claim (global_admin sees every clinic)")
	cmd.Flags().Int64("clinic", 0, "Clinic affiliation")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	return cmd
}
