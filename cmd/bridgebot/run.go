package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/bridgebot"
	"github.com/opd-ai/bridgebot/transport"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			options, err := optionsFromFlags(cmd)
			if err != nil {
				return err
			}

			bridge, err := bridgebot.New(options)
			if err != nil {
				return err
			}

			bridge.OnShowSAS(func(userID, deviceID string, sas transport.SASValues) {
				fmt.Printf("Verify %s (%s): %s\n", userID, deviceID, strings.Join(sas.Emojis, " "))
			})
			bridge.OnVerified(func(userID, deviceID string) {
				logrus.WithFields(logrus.Fields{
					"user":   userID,
					"device": deviceID,
				}).Info("Device verified")
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return bridge.Run(ctx)
		},
	}

	addBridgeFlags(cmd)
	return cmd
}

func addBridgeFlags(cmd *cobra.Command) {
	cmd.Flags().String("gateway-url", "", "Websocket URL of the sync gateway.")
	cmd.Flags().String("user-id", "", "Bot account user id.")
	cmd.Flags().String("device-id", "", "Stable device id.")
	cmd.Flags().String("access-token", "", "Gateway access token.")
	cmd.Flags().String("homeserver", "", "Homeserver origin recorded in the session file.")
	cmd.Flags().String("data-dir", "data", "State directory.")
	cmd.Flags().String("store-passphrase", "", "Passphrase encrypting secrets at rest.")
	cmd.Flags().String("recovery-key", "", "Encoded recovery key.")
	cmd.Flags().String("key-export-path", "", "Drop path for pre-decrypted key export files.")
	cmd.Flags().String("legacy-key-export-path", "", "Fallback path of the old export format.")
	cmd.Flags().Bool("watch-key-exports", true, "Import export files dropped while running.")
	cmd.Flags().String("agent-url", "", "Chat completion endpoint of the agent backend.")
	cmd.Flags().String("agent-api-key", "", "Agent backend API key.")
	cmd.Flags().String("agent-model", "", "Model name for completion requests.")
	cmd.Flags().String("system-prompt", "", "System prompt prepended to every conversation.")
	cmd.Flags().Int("history-window", 0, "Conversation turns replayed per room.")
	cmd.Flags().String("verify-user-id", "", "Proactively verify this user's devices after startup.")
	cmd.Flags().String("verify-device-id", "", "Verify this device directly, skipping discovery.")
}

func optionsFromFlags(cmd *cobra.Command) (*bridgebot.Options, error) {
	options := bridgebot.NewOptions()
	options.GatewayURL = strings.TrimSpace(flagOrViperString(cmd, "gateway-url", "gateway_url"))
	options.UserID = strings.TrimSpace(flagOrViperString(cmd, "user-id", "user_id"))
	options.DeviceID = strings.TrimSpace(flagOrViperString(cmd, "device-id", "device_id"))
	options.AccessToken = strings.TrimSpace(flagOrViperString(cmd, "access-token", "access_token"))
	options.Homeserver = strings.TrimSpace(flagOrViperString(cmd, "homeserver", "homeserver"))
	options.DataDir = strings.TrimSpace(flagOrViperString(cmd, "data-dir", "data_dir"))
	options.StorePassphrase = flagOrViperString(cmd, "store-passphrase", "store_passphrase")
	options.RecoveryKey = strings.TrimSpace(flagOrViperString(cmd, "recovery-key", "recovery_key"))
	options.KeyExportPath = strings.TrimSpace(flagOrViperString(cmd, "key-export-path", "key_export_path"))
	options.LegacyKeyExportPath = strings.TrimSpace(flagOrViperString(cmd, "legacy-key-export-path", "legacy_key_export_path"))
	options.WatchKeyExports = flagOrViperBool(cmd, "watch-key-exports", "watch_key_exports")
	options.AgentURL = strings.TrimSpace(flagOrViperString(cmd, "agent-url", "agent.url"))
	options.AgentAPIKey = flagOrViperString(cmd, "agent-api-key", "agent.api_key")
	options.VerifyUserID = strings.TrimSpace(flagOrViperString(cmd, "verify-user-id", "verify_user_id"))
	options.Verification.DirectDeviceID = strings.TrimSpace(flagOrViperString(cmd, "verify-device-id", "verify_device_id"))

	if model := strings.TrimSpace(flagOrViperString(cmd, "agent-model", "agent.model")); model != "" {
		options.AgentModel = model
	}
	if prompt := flagOrViperString(cmd, "system-prompt", "agent.system_prompt"); prompt != "" {
		options.SystemPrompt = prompt
	}
	if window := flagOrViperInt(cmd, "history-window", "agent.history_window"); window > 0 {
		options.HistoryWindow = window
	}

	if err := options.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(options.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return options, nil
}
