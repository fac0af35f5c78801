package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/bigbag/c6link/embedded"
	"github.com/bigbag/c6link/internal/store"
)

func markerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "marker",
		Short: "Inspect or change the pending firmware marker",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show staged firmware and marker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			fw, err := st.Status()
			if err != nil {
				return err
			}
			state, err := st.LoadState()
			if err != nil {
				return err
			}

			fmt.Printf("Storage:  %s\n", st.Root())
			fmt.Printf("Marker:   %t\n", fw.Marker)
			if fw.Staged {
				fmt.Printf("Firmware: %s (%d bytes)\n", st.FirmwarePath(), fw.Size)
			} else {
				fmt.Println("Firmware: none")
			}
			fmt.Printf("Bridge requested: %t\n", state.BridgeRequested)
			if state.FirmwareVersion != "" {
				fmt.Printf("Companion firmware: %s (ready %s)\n", state.FirmwareVersion, state.ReadyAt.Format(time.RFC3339))
			}
			fmt.Printf("Boots: %d\n", state.Boots)
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Create the marker so the next boot enters bridge mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			if err := st.CreateMarker(); err != nil {
				return err
			}
			fmt.Printf("Marker created at %s\n", st.MarkerPath())
			return nil
		},
	}

	var purgeFlag bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the marker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			if purgeFlag {
				if err := st.Cleanup(); err != nil {
					return err
				}
				fmt.Println("Marker and staged firmware removed")
				return nil
			}
			removed, err := st.RemoveMarker()
			if err != nil {
				return err
			}
			if removed {
				fmt.Println("Marker removed")
			} else {
				fmt.Println("No marker present")
			}
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&purgeFlag, "purge", false, "Also delete the staged firmware image")

	cmd.AddCommand(statusCmd, setCmd, clearCmd)
	return cmd
}

func stageCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stage <firmware.bin|url|embedded>",
		Short: "Stage companion firmware on storage",
		Long: `Stage copies a companion firmware image onto storage and creates the
pending firmware marker, so the next boot bridges the console to the
companion bootloader for flashing.

The image is read from a file, fetched from an http(s) URL, or taken from
the image embedded in this build ("embedded").`,
		Args: cobra.ExactArgs(1),
		RunE: runStage,
	}
}

func runStage(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}

	r, size, err := openFirmware(args[0])
	if err != nil {
		return err
	}
	defer r.Close()

	fmt.Printf("Firmware: %s (%d bytes)\n", args[0], size)

	bar := progressbar.NewOptions64(size,
		progressbar.OptionSetDescription("Staging"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	err = st.StageFirmware(r, size, func(written, total int64) {
		_ = bar.Set64(written)
	})
	if err != nil {
		return err
	}
	_ = bar.Finish()

	fmt.Printf("\nStaged at %s\n", st.FirmwarePath())
	fmt.Println("Restart to flash the companion")
	return nil
}

// openFirmware resolves a stage source to a reader and its size.
func openFirmware(src string) (io.ReadCloser, int64, error) {
	switch {
	case src == "embedded":
		if !embedded.Available() {
			return nil, 0, fmt.Errorf("this build carries no embedded companion firmware")
		}
		fw := embedded.Firmware()
		return io.NopCloser(bytes.NewReader(fw)), int64(len(fw)), nil

	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		return fetchFirmware(src)

	default:
		f, err := os.Open(src)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read firmware file: %w", err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, err
		}
		return f, info.Size(), nil
	}
}

func fetchFirmware(url string) (io.ReadCloser, int64, error) {
	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Get(url)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to download firmware: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("failed to download firmware: %s", resp.Status)
	}
	if resp.ContentLength >= 0 {
		return resp.Body, resp.ContentLength, nil
	}

	// unknown length: buffer up to the size limit
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, store.MaxFirmwareSize+1))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to download firmware: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}
