package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/bigbag/c6link/internal/bridge"
	"github.com/bigbag/c6link/internal/detect"
	"github.com/bigbag/c6link/internal/provision"
	"github.com/bigbag/c6link/internal/sdio"
	"github.com/bigbag/c6link/internal/telemetry"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func bootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "boot",
		Short: "Bring up the companion and supervise it",
		Long: `Boot selects the companion boot path and runs until interrupted.

If a firmware image is pending on storage (or --force-bridge is given, or a
bridge was requested with request-update), the console is bridged to the
companion's ROM bootloader for an external flashing tool. Otherwise the
companion is started normally and the SDIO link is supervised, recovering
the chip when it stops responding.`,
		Args: cobra.NoArgs,
		RunE: runBoot,
	}
	cmd.Flags().StringVar(&consoleFlag, "console", "", "Console for bridge mode: serial device or ws:// URL")
	cmd.Flags().StringVar(&consoleUserFlag, "console-user", "", "WebSocket console user (password from C6LINK_CONSOLE_PASSWORD)")
	cmd.Flags().BoolVar(&insecureFlag, "insecure", false, "Skip TLS verification for wss:// consoles")
	cmd.Flags().StringVar(&mqttFlag, "mqtt", "", "Publish status to an MQTT broker, e.g. mqtt://host:1883/prefix")
	cmd.Flags().BoolVar(&skipBridgeFlag, "skip-bridge", false, "Discard a pending firmware image and boot normally")
	cmd.Flags().BoolVar(&forceBridgeFlag, "force-bridge", false, "Enter bridge mode regardless of storage")
	return cmd
}

func runBoot(cmd *cobra.Command, args []string) error {
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

	opts := []provision.Option{
		provision.WithSkipBridge(skipBridgeFlag),
		provision.WithHooks(provision.HookFuncs{
			Connect: func() { fmt.Println("Companion ready") },
			Data: func(pkt sdio.Packet) {
				fmt.Printf("< %s: %q\n", pkt.Type, pkt.Payload())
			},
		}),
	}
	if mqttFlag != "" {
		pub, err := telemetry.New(mqttFlag)
		if err != nil {
			return err
		}
		if err := pub.Connect(ctx); err != nil {
			return err
		}
		defer pub.Close()
		fmt.Printf("Publishing status to %s\n", pub.Topic())
		opts = append(opts, provision.WithPublisher(pub))
	}

	orch := newOrchestrator(ctx, hw, st, true, opts...)
	defer orch.Close()

	if err := orch.SystemInit(ctx, forceBridgeFlag); err != nil {
		return err
	}
	if orch.State() == provision.BridgeBoot {
		fmt.Println("Bridge stopped")
		return nil
	}

	status := orch.Status()
	fmt.Printf("Companion: %s (ready=%t firmware=%q)\n", status.State, status.Ready, status.FirmwareVersion)
	<-ctx.Done()
	fmt.Println("Shutting down")
	return nil
}

func bridgeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Bridge the console to the companion bootloader",
		Long: `Bridge forces the companion into its ROM bootloader and relays bytes
between the console and the companion UART until interrupted. Point an ESP
flashing tool at the console to program the companion.`,
		Args: cobra.NoArgs,
		RunE: runBridge,
	}
	cmd.Flags().StringVar(&consoleFlag, "console", "", "Serial device or ws:// URL of the console")
	cmd.Flags().StringVar(&consoleUserFlag, "console-user", "", "WebSocket console user (password from C6LINK_CONSOLE_PASSWORD)")
	cmd.Flags().BoolVar(&insecureFlag, "insecure", false, "Skip TLS verification for wss:// consoles")
	return cmd
}

func runBridge(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	hw, err := openHardware()
	if err != nil {
		return err
	}
	defer hw.Close()

	b, err := hw.newBridge(ctx)
	if err != nil {
		return err
	}
	fmt.Println("Bridge active, press Ctrl+C to stop")
	if err := b.Run(ctx); err != nil {
		return err
	}

	stats := b.Stats()
	fmt.Printf("Console -> companion: %d bytes\n", stats.ConsoleToCompanion)
	fmt.Printf("Companion -> console: %d bytes\n", stats.CompanionToConsole)
	return nil
}

func modeCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "mode <download|run>",
		Short:     "Reset the companion into a boot mode",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"download", "run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			hw, err := openHardware()
			if err != nil {
				return err
			}
			defer hw.Close()

			if args[0] == "download" {
				hw.boot.EnterDownloadMode()
			} else {
				hw.boot.EnterRunMode()
			}
			fmt.Printf("Companion reset into %s mode\n", hw.boot.Mode())
			return nil
		},
	}
}

func syncCommand() *cobra.Command {
	var stayFlag bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Check that the companion bootloader answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			hw, err := openHardware()
			if err != nil {
				return err
			}
			defer hw.Close()

			fmt.Println("Connecting to bootloader...")
			hw.boot.EnterDownloadMode()
			if !stayFlag {
				defer hw.boot.EnterRunMode()
			}
			cfg := bridge.DefaultSyncConfig()
			cfg.Verify = true
			if err := bridge.Sync(ctx, hw.companion, cfg); err != nil {
				return err
			}
			fmt.Println("Connected!")
			return nil
		},
	}
	cmd.Flags().BoolVar(&stayFlag, "stay", false, "Leave the companion in download mode")
	return cmd
}

func probeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Open the SDIO link and show companion status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			hw, err := openHardware()
			if err != nil {
				return err
			}
			defer hw.Close()

			hw.boot.EnterRunMode()
			link, err := hw.openLink(ctx)
			if err != nil {
				return err
			}
			defer link.Close()

			fmt.Printf("  Ready:    %t\n", link.IsReady())
			status, err := link.ReadStatus(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("  Status:   0x%02X\n", status)
			fw, err := link.ReadFirmwareVersion(ctx)
			if err != nil {
				glog.Warningf("firmware version: %v", err)
			} else {
				fmt.Printf("  Firmware: %s\n", fw)
			}
			return nil
		},
	}
}

func detectCommand() *cobra.Command {
	var portFlag string
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Find serial ports with a responding companion bootloader",
		Long: `Detect resets each serial port's target into its ROM bootloader
through DTR/RTS and runs the SYNC handshake. The target is returned to its
application afterwards.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			scanner := detect.NewScanner(baudFlag)
			scanner.AutoReset = autoResetFlag
			scanner.Inverted = invertedFlag

			if portFlag != "" {
				result, err := scanner.DetectOnPort(ctx, portFlag)
				if err != nil {
					return fmt.Errorf("no bootloader on %s: %w", portFlag, err)
				}
				fmt.Printf("Bootloader found on %s @ %d baud\n", result.Port, result.BaudRate)
				return nil
			}

			fmt.Println("Scanning serial ports...")
			results, err := scanner.ListDevices(ctx)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("No companion bootloader found")
				return nil
			}
			fmt.Printf("Found %d port(s):\n", len(results))
			for _, r := range results {
				fmt.Printf("  %s\n", r.Port)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&portFlag, "port", "p", "", "Probe only this port")
	return cmd
}
