package main

import (
	"fmt"
	"os"

	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/oathkey/agent"
	"github.com/oathkey/agent/internal/secrets"
	"github.com/oathkey/agent/pkg/storage"
)

func newForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <device-id>",
		Short: "Remove a device, its cached credentials and its stored password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceID := args[0]
			if !agent.IsValidDeviceID(deviceID) {
				return pkgerrors.Errorf("invalid device id %q", deviceID)
			}
			store, err := storage.Open()
			if err != nil {
				return err
			}
			defer store.Close()

			secretStore, err := secrets.Open()
			if err != nil {
				return err
			}
			if err := secretStore.RemovePassword(deviceID); err != nil {
				return err
			}
			if err := store.RemoveDevice(deviceID); err != nil {
				return err
			}
			fmt.Printf("device %s forgotten\n", deviceID)
			return nil
		},
	}
}

func newRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <device-id> <name>",
		Short: "Set the display name for a device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceID := args[0]
			if !agent.IsValidDeviceID(deviceID) {
				return pkgerrors.Errorf("invalid device id %q", deviceID)
			}
			store, err := storage.Open()
			if err != nil {
				return err
			}
			defer store.Close()
			return store.SetDeviceName(deviceID, args[1])
		},
	}
}

func newSetPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-password <device-id>",
		Short: "Store the password used to unlock a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceID := args[0]
			if !agent.IsValidDeviceID(deviceID) {
				return pkgerrors.Errorf("invalid device id %q", deviceID)
			}

			fmt.Fprint(os.Stderr, "Password: ")
			raw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return pkgerrors.Wrap(err, "read password failed")
			}

			secretStore, err := secrets.Open()
			if err != nil {
				return err
			}
			if err := secretStore.SavePassword(deviceID, string(raw)); err != nil {
				return err
			}

			store, err := storage.Open()
			if err != nil {
				return err
			}
			defer store.Close()
			if _, known, err := store.Device(deviceID); err == nil && known {
				if err := store.SetRequiresPassword(deviceID, true); err != nil {
					return err
				}
			}
			fmt.Printf("password stored for %s\n", deviceID)
			return nil
		},
	}
}
