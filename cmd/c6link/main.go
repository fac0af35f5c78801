package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/bigbag/c6link/internal/protocol"
	"github.com/bigbag/c6link/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	storageFlag     string
	companionFlag   string
	consoleFlag     string
	consoleUserFlag string
	insecureFlag    bool
	baudFlag        int
	invertedFlag    bool
	autoResetFlag   bool
	simFlag         bool
	mqttFlag        string
	skipBridgeFlag  bool
	forceBridgeFlag bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "c6link",
		Short: "Manage the ESP32-C6 companion chip",
		Long: `c6link brings up the ESP32-C6 companion chip of a host board.

At boot it either bridges the console to the companion's ROM bootloader,
when new companion firmware is staged on storage, or starts the companion
normally and supervises the SDIO link to it.

The companion UART is given with --companion; its DTR and RTS lines drive
BOOT-SELECT and RESET. Use --sim to run against a simulated companion.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// glog flags are registered on cobra's flag set; mark the Go
			// flag set parsed so glog does not complain.
			_ = flag.CommandLine.Parse(nil)
		},
	}

	_ = flag.Set("logtostderr", "true")
	pf := rootCmd.PersistentFlags()
	pf.AddGoFlagSet(flag.CommandLine)
	pf.StringVarP(&storageFlag, "storage", "s", "c6link-data", "Storage root for the firmware marker, staged image and state")
	pf.StringVarP(&companionFlag, "companion", "c", "", "Serial port wired to the companion UART and control lines")
	pf.IntVarP(&baudFlag, "baud", "b", protocol.DefaultBaudRate, "Baud rate")
	pf.BoolVar(&autoResetFlag, "auto-reset", true, "DTR/RTS drive a devkit cross-coupled auto-reset circuit")
	pf.BoolVar(&invertedFlag, "inverted", true, "With --auto-reset=false, DTR/RTS pass through inverting drivers")
	pf.BoolVar(&simFlag, "sim", false, "Use a simulated companion chip")

	rootCmd.AddCommand(
		bootCommand(),
		bridgeCommand(),
		modeCommand(),
		syncCommand(),
		probeCommand(),
		sendCommand(),
		wifiCommand(),
		otaCommand(),
		requestUpdateCommand(),
		markerCommand(),
		stageCommand(),
		detectCommand(),
		listCommand(),
		versionCommand(),
	)

	err := rootCmd.Execute()
	glog.Flush()
	if err != nil {
		os.Exit(1)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("c6link %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}
}

func listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListDetailed()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		if p.IsUSB {
			fmt.Printf("  %s  [%s:%s] %s %s\n", p.Name, p.VID, p.PID, p.Product, p.SerialNumber)
			continue
		}
		fmt.Printf("  %s\n", p.Name)
	}

	return nil
}
