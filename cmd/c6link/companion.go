package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bigbag/c6link/internal/provision"
	"github.com/bigbag/c6link/internal/sdio"
)

// withCompanion boots the companion normally, runs fn and shuts down.
func withCompanion(fn func(ctx context.Context, orch *provision.Orchestrator) error, opts ...provision.Option) error {
	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStore()
	if err != nil {
		return err
	}
	hw, err := openHardware()
	if err != nil {
		return err
	}
	defer hw.Close()

	orch := newOrchestrator(ctx, hw, st, false, opts...)
	defer orch.Close()

	if err := orch.SystemInit(ctx, false); err != nil {
		return err
	}
	if !orch.IsReady() {
		return fmt.Errorf("companion not ready: %w", provision.ErrNotReady)
	}
	return fn(ctx, orch)
}

func sendCommand() *cobra.Command {
	var waitFlag time.Duration
	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Send a text message to the companion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			replies := provision.WithHooks(provision.HookFuncs{
				Data: func(pkt sdio.Packet) {
					fmt.Printf("< %q\n", pkt.Payload())
				},
			})
			return withCompanion(func(ctx context.Context, orch *provision.Orchestrator) error {
				if len(text) > provision.MaxMessageSize {
					fmt.Printf("Warning: message truncated to %d bytes\n", provision.MaxMessageSize)
				}
				if err := orch.SendMessage(ctx, text); err != nil {
					return err
				}
				fmt.Printf("> %q\n", text)

				select {
				case <-time.After(waitFlag):
				case <-ctx.Done():
				}
				return nil
			}, replies, provision.WithStatusInterval(20*time.Millisecond))
		},
	}
	cmd.Flags().DurationVar(&waitFlag, "wait", time.Second, "How long to print replies after sending")
	return cmd
}

func wifiCommand() *cobra.Command {
	var timeoutFlag time.Duration
	cmd := &cobra.Command{
		Use:   "wifi <ssid>",
		Short: "Connect the companion to a Wi-Fi network",
		Long: `Wifi brings up the companion's radio, sends the network credentials and
waits for the connection. The password is read from C6LINK_WIFI_PASSWORD or
prompted for.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readSecret("C6LINK_WIFI_PASSWORD", "Wi-Fi password: ")
			if err != nil {
				return err
			}
			return withCompanion(func(ctx context.Context, orch *provision.Orchestrator) error {
				fmt.Printf("Connecting to %q...\n", args[0])
				if err := orch.ConnectWifi(ctx, args[0], password); err != nil {
					return err
				}
				fmt.Println("Wi-Fi connected")
				return nil
			}, provision.WithWifiTimeout(timeoutFlag))
		},
	}
	cmd.Flags().DurationVar(&timeoutFlag, "timeout", 30*time.Second, "How long to wait for the connection")
	return cmd
}

func otaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ota <url>",
		Short: "Ask the companion to update itself from a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCompanion(func(ctx context.Context, orch *provision.Orchestrator) error {
				if err := orch.TriggerOTA(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Companion update requested from %s\n", args[0])
				return nil
			})
		},
	}
}

func requestUpdateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "request-update",
		Short: "Enter bridge mode on the next boot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			orch := provision.New(provision.Deps{Store: st})
			if err := orch.EnterFirmwareUpdateMode(); err != nil {
				return err
			}
			fmt.Println("Bridge mode requested, restart to flash the companion")
			return nil
		},
	}
}
