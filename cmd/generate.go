package main

import (
	"context"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/oathkey/agent"
	"github.com/oathkey/agent/internal/pcsc"
	"github.com/oathkey/agent/internal/secrets"
)

func newGenerateCmd() *cobra.Command {
	deviceID := ""
	timeout := 20 * time.Second
	cmd := &cobra.Command{
		Use:   "generate <credential>",
		Short: "Generate a one-time code for a credential on an attached key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return runGenerate(ctx, args[0], deviceID)
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "only use the device with this id")
	cmd.Flags().DurationVar(&timeout, "timeout", timeout, "overall timeout, including touch")
	return cmd
}

func runGenerate(ctx context.Context, credentialName, wantDeviceID string) error {
	if wantDeviceID != "" && !agent.IsValidDeviceID(wantDeviceID) {
		return pkgerrors.Errorf("invalid device id %q", wantDeviceID)
	}

	waiter, err := pcsc.NewWaiter()
	if err != nil {
		return err
	}
	defer waiter.Release()

	dialer, err := pcsc.NewDialer()
	if err != nil {
		return err
	}
	defer dialer.Release()

	secretStore, err := secrets.Open()
	if err != nil {
		return err
	}

	readers, err := waiter.ListReaders()
	if err != nil {
		return pkgerrors.Wrap(err, "list readers failed")
	}

	for _, reader := range readers {
		code, err := generateOnReader(ctx, dialer, secretStore, reader, credentialName, wantDeviceID)
		if err != nil {
			log.Debug().Err(err).Str("reader", reader).Msg("reader skipped")
			continue
		}
		fmt.Println(code.Code)
		if !code.ValidUntil.IsZero() {
			log.Info().Time("valid_until", code.ValidUntil).Msg("code generated")
		}
		return nil
	}
	return pkgerrors.Errorf("credential %q not found on any attached device", credentialName)
}

func generateOnReader(ctx context.Context, dialer *pcsc.Dialer, secretStore agent.SecretStore,
	reader, credentialName, wantDeviceID string) (agent.GeneratedCode, error) {
	session, err := dialer.Dial(reader)
	if err != nil {
		return agent.GeneratedCode{}, err
	}
	defer session.Close()

	deviceID, err := session.Select(ctx)
	if err != nil {
		return agent.GeneratedCode{}, err
	}
	if wantDeviceID != "" && deviceID != wantDeviceID {
		return agent.GeneratedCode{}, pkgerrors.Errorf("device %s is not %s", deviceID, wantDeviceID)
	}

	if password, err := secretStore.LoadPassword(deviceID); err == nil && password != "" {
		if err := session.Authenticate(ctx, password); err != nil {
			log.Warn().Err(err).Str("device_id", deviceID).Msg("stored password rejected")
		}
	}
	return session.GenerateCode(ctx, credentialName)
}
