package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/oathkey/agent"
	"github.com/oathkey/agent/internal/config"
	"github.com/oathkey/agent/internal/notify"
	"github.com/oathkey/agent/internal/pcsc"
	"github.com/oathkey/agent/internal/secrets"
	"github.com/oathkey/agent/pkg/softkey"
	"github.com/oathkey/agent/pkg/storage"
)

func newServeCmd() *cobra.Command {
	var provider string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(provider)
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "pcsc",
		"device provider: pcsc (hardware keys) or soft (seeded software keys)")
	return cmd
}

func runServe(provider string) error {
	waiter, dialer, cleanup, err := buildProvider(provider)
	if err != nil {
		return err
	}
	defer cleanup()

	store, err := storage.Open()
	if err != nil {
		return err
	}
	defer store.Close()

	secretStore, err := secrets.Open()
	if err != nil {
		return err
	}

	service, err := agent.NewService(agent.ServiceConfig{
		Waiter:   waiter,
		Dialer:   dialer,
		Store:    store,
		Secrets:  secretStore,
		Notifier: notify.NewLogNotifier(),
		Executor: notify.NewCommandExecutor(),
		Config:   agent.EnvConfig{},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	service.Start(ctx)
	<-ctx.Done()
	log.Info().Msg("shutting down")

	if err := service.Stop(); err != nil {
		return pkgerrors.Wrap(err, "stop agent failed")
	}
	return nil
}

// buildProvider assembles the status waiter and session dialer for the
// requested device backend.
func buildProvider(provider string) (agent.StatusWaiter, agent.SessionDialer, func(), error) {
	switch provider {
	case "pcsc":
		waiter, err := pcsc.NewWaiter()
		if err != nil {
			return nil, nil, nil, err
		}
		dialer, err := pcsc.NewDialer()
		if err != nil {
			waiter.Release()
			return nil, nil, nil, err
		}
		cleanup := func() {
			dialer.Release()
			waiter.Release()
		}
		return waiter, dialer, cleanup, nil
	case "soft":
		seedPath := config.String("OATH_AGENT_SOFT_KEYS", defaultSoftKeysPath())
		dialer, err := softkey.DialerFromSeedFile(seedPath)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Info().Str("seed", seedPath).Msg("running with software keys")
		return softkey.NewWaiter(dialer), dialer, func() {}, nil
	default:
		return nil, nil, nil, pkgerrors.Errorf("unknown provider %q", provider)
	}
}

func defaultSoftKeysPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "softkeys.json"
	}
	return filepath.Join(home, ".oath-agent", "softkeys.json")
}
