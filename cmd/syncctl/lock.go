package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adrian-moloca/dental-sub010/pkg/events"
	"github.com/adrian-moloca/dental-sub010/pkg/secretstore"
	"github.com/adrian-moloca/dental-sub010/pkg/sessionlock"
)

var lockDeviceID string

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Manage the Local Session Lock",
}

var lockSetPINCmd = &cobra.Command{
	Use:   "set-pin",
	Short: "Set the PIN that gates this session",
	RunE: func(cmd *cobra.Command, args []string) error {
		pin, err := readPIN("New PIN: ")
		if err != nil {
			return err
		}
		deps, lock, scope, err := buildSessionLock()
		if err != nil {
			return err
		}
		defer deps.local.Close()

		if err := lock.SetPIN(pin); err != nil {
			return err
		}
		if err := deps.secrets.SaveLocalPIN(scope, lock.PINHash()); err != nil {
			return fmt.Errorf("failed to persist pin: %w", err)
		}
		fmt.Println("PIN set")
		return nil
	},
}

var lockUnlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Attempt to unlock the session with a PIN",
	RunE: func(cmd *cobra.Command, args []string) error {
		pin, err := readPIN("PIN: ")
		if err != nil {
			return err
		}
		deps, lock, _, err := buildSessionLock()
		if err != nil {
			return err
		}
		defer deps.local.Close()

		if err := lock.Unlock(pin); err != nil {
			return fmt.Errorf("unlock rejected: %w", err)
		}
		fmt.Println("Unlocked")
		return nil
	},
}

func readPIN(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read pin: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// buildSessionLock loads a device's persisted PIN hash (if any) from the
// Secret Store into a fresh Lock, the same scope the lock's own hash will
// be saved back under.
func buildSessionLock() (*coreDeps, *sessionlock.Lock, secretstore.Scope, error) {
	deps, err := wireCoreDeps()
	if err != nil {
		return nil, nil, secretstore.Scope{}, err
	}

	device, err := deps.local.GetDevice(lockDeviceID)
	if err != nil {
		deps.local.Close()
		return nil, nil, secretstore.Scope{}, fmt.Errorf("unknown device %q: %w", lockDeviceID, err)
	}
	scope := secretstore.Scope{TenantID: device.TenantID, OrganizationID: device.OrganizationID, DeviceID: lockDeviceID}

	broker := events.NewBroker()
	broker.Start()
	lock := sessionlock.New(broker)

	if hash, err := deps.secrets.LoadLocalPIN(scope); err == nil {
		lock.LoadPINHash(hash)
	}

	return deps, lock, scope, nil
}

func init() {
	lockCmd.PersistentFlags().StringVar(&lockDeviceID, "device-id", "", "Registered device ID this session lock is scoped to")
	_ = lockCmd.MarkPersistentFlagRequired("device-id")

	lockCmd.AddCommand(lockSetPINCmd)
	lockCmd.AddCommand(lockUnlockCmd)
}
