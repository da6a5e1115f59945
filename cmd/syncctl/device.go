package main

import (
	"context"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/adrian-moloca/dental-sub010/pkg/identity"
	"github.com/adrian-moloca/dental-sub010/pkg/log"
	"github.com/adrian-moloca/dental-sub010/pkg/types"
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage the Device Identity for this client installation",
}

var (
	registerTenantID       string
	registerOrganizationID string
	registerClinicID       string
	registerUserID         string
	registerDeviceName     string
	registerUserBearer     string
	registerAppVersion     string
)

var deviceRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this device with the sync backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := wireCoreDeps()
		if err != nil {
			return err
		}
		defer deps.local.Close()

		mgr := identity.NewManager(deps.rest, deps.secrets, deps.local)

		deviceName := registerDeviceName
		if deviceName == "" {
			deviceName = identity.NewDeviceName("syncctl")
		}

		device, err := mgr.Register(context.Background(), identity.RegisterParams{
			TenantID:       registerTenantID,
			OrganizationID: registerOrganizationID,
			ClinicID:       registerClinicID,
			UserID:         registerUserID,
			DeviceName:     deviceName,
			UserBearer:     registerUserBearer,
			Hardware: identity.HardwareInfo{
				Platform:   types.Platform(runtime.GOOS),
				AppVersion: registerAppVersion,
			},
		})
		if err != nil {
			return fmt.Errorf("device registration failed: %w", err)
		}

		log.WithComponent("device").Info().
			Str("device_id", device.DeviceID).
			Str("tenant_id", device.TenantID).
			Msg("device registered")
		fmt.Printf("Registered device %s (tenant %s)\n", device.DeviceID, device.TenantID)
		return nil
	},
}

var deviceUnlinkDeviceID string

var deviceUnlinkCmd = &cobra.Command{
	Use:   "unlink",
	Short: "Revoke this device's credentials and clear local secrets",
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := wireCoreDeps()
		if err != nil {
			return err
		}
		defer deps.local.Close()

		mgr := identity.NewManager(deps.rest, deps.secrets, deps.local)
		if err := mgr.Unlink(context.Background(), deviceUnlinkDeviceID); err != nil {
			return fmt.Errorf("unlink failed: %w", err)
		}
		fmt.Println("Device unlinked")
		return nil
	},
}

func init() {
	deviceRegisterCmd.Flags().StringVar(&registerTenantID, "tenant", "", "Tenant ID")
	deviceRegisterCmd.Flags().StringVar(&registerOrganizationID, "org", "", "Organization ID")
	deviceRegisterCmd.Flags().StringVar(&registerClinicID, "clinic", "", "Clinic ID")
	deviceRegisterCmd.Flags().StringVar(&registerUserID, "user", "", "User ID performing the registration")
	deviceRegisterCmd.Flags().StringVar(&registerDeviceName, "device-name", "", "Human-readable device name (default: auto-generated)")
	deviceRegisterCmd.Flags().StringVar(&registerUserBearer, "user-bearer", "", "User access token authorizing the registration")
	deviceRegisterCmd.Flags().StringVar(&registerAppVersion, "app-version", Version, "Application version reported to the backend")
	_ = deviceRegisterCmd.MarkFlagRequired("tenant")
	_ = deviceRegisterCmd.MarkFlagRequired("user")
	_ = deviceRegisterCmd.MarkFlagRequired("user-bearer")

	deviceUnlinkCmd.Flags().StringVar(&deviceUnlinkDeviceID, "device-id", "", "Device ID to unlink")
	_ = deviceUnlinkCmd.MarkFlagRequired("device-id")

	deviceCmd.AddCommand(deviceRegisterCmd)
	deviceCmd.AddCommand(deviceUnlinkCmd)
}
