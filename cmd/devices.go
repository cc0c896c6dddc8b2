package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oathkey/agent/pkg/storage"
)

func newDevicesCmd() *cobra.Command {
	showCredentials := false
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List known devices and their cached credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storage.Open()
			if err != nil {
				return err
			}
			defer store.Close()

			devices, err := store.Devices()
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Println("no devices known")
				return nil
			}
			for _, dev := range devices {
				creds, err := store.Credentials(dev.DeviceID)
				if err != nil {
					return err
				}
				name := dev.Name
				if name == "" {
					name = "(unnamed)"
				}
				fmt.Printf("%s  %s  credentials=%d password=%v last_seen=%s\n",
					dev.DeviceID, name, len(creds), dev.RequiresPassword,
					dev.LastSeen.Format("2006-01-02 15:04:05"))
				if showCredentials {
					for _, cred := range creds {
						fmt.Printf("    %s\n", cred.DisplayName())
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showCredentials, "credentials", false, "also list cached credential names")
	return cmd
}
