package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"clinicdesk/attendance-service/internal/config"
	"clinicdesk/attendance-service/internal/httpapi"
	"clinicdesk/attendance-service/internal/pollsync"
	"clinicdesk/attendance-service/internal/scope"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const boardTokenTTL = 24 * time.Hour

func boardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Run a waiting-room display that polls a clinic and logs announcements",
		RunE: func(cmd *cobra.Command, args []string) error {
			apiURL, _ := cmd.Flags().GetString("api-url")
			clinicID, _ := cmd.Flags().GetInt64("clinic")
			token, _ := cmd.Flags().GetString("token")
			if clinicID <= 0 {
				return errors.New("--clinic is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env).With().Str("component", "board").Int64("clinic_id", clinicID).Logger()

			if token == "" {
				if cfg.JWTSigningKey == "" {
					return errors.New("--token or JWT_SIGNING_KEY is required")
				}
				caller := scope.Caller{UserID: fmt.Sprintf("board-%d", clinicID), Role: scope.RoleDisplay, ClinicID: clinicID}
				token, err = httpapi.SignToken([]byte(cfg.JWTSigningKey), caller, boardTokenTTL, time.Now())
				if err != nil {
					return fmt.Errorf("sign board token: %w", err)
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			source := pollsync.NewHTTPSource(apiURL, token, 5*time.Second)
			watcher := pollsync.NewWatcher(source, clinicID, cfg.BoardPollInterval(), logger, func(change pollsync.Change) {
				logChange(logger, change)
			})
			logger.Info().Str("api_url", apiURL).Dur("interval", cfg.BoardPollInterval()).Msg("board polling")
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("api-url", "http://localhost:8080", "Base URL of the attendance API")
	cmd.Flags().Int64("clinic", 0, "Clinic to display")
	cmd.Flags().String("token", "", "Bearer token; signed from JWT_SIGNING_KEY when empty")
	return cmd
}

func logChange(logger zerolog.Logger, change pollsync.Change) {
	event := logger.Info().Str("change", change.Kind)
	if change.Call != nil {
		event = event.
			Int64("call_id", change.Call.ID).
			Int64("patient_id", change.Call.PatientID).
			Str("room", change.Call.RoomLabel)
	}
	if change.Entry != nil {
		event = event.Int64("entry_id", change.Entry.ID).Int64("patient_id", change.Entry.PatientID)
	}
	event.Msg("board update")
}
