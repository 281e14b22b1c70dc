package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opd-ai/bridgebot"
	"github.com/opd-ai/bridgebot/crypto"
	"github.com/opd-ai/bridgebot/transport"
)

// newVerifyCmd runs the bridge just long enough to verify one user's
// devices, then exits.
func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <user-id>",
		Short: "Verify a user's devices and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(args[0])

			options, err := optionsFromFlags(cmd)
			if err != nil {
				return err
			}

			bridge, err := bridgebot.New(options)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			bridge.OnShowSAS(func(userID, deviceID string, sas transport.SASValues) {
				fmt.Printf("Verify %s (%s): %s\n", userID, deviceID, strings.Join(sas.Emojis, " "))
			})
			bridge.OnVerified(func(userID, deviceID string) {
				fmt.Printf("Verified %s (%s)\n", userID, deviceID)
				if len(bridge.VerificationSessions(target)) == 0 {
					cancel()
				}
			})

			go func() {
				if err := bridge.RequestVerification(ctx, target); err != nil {
					fmt.Fprintf(os.Stderr, "verification failed: %v\n", err)
					cancel()
				}
			}()

			err = bridge.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	addBridgeFlags(cmd)
	return cmd
}

// newRecoveryKeyCmd generates a fresh recovery key for initial setup.
func newRecoveryKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recovery-key",
		Short: "Generate a new recovery key",
		RunE: func(cmd *cobra.Command, args []string) error {
			var key [32]byte
			if _, err := rand.Read(key[:]); err != nil {
				return fmt.Errorf("failed to generate key material: %w", err)
			}
			fmt.Println(crypto.EncodeRecoveryKey(key))
			return nil
		},
	}
}
