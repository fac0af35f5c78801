package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/golang/glog"
	"golang.org/x/term"

	"github.com/bigbag/c6link/internal/bootmode"
	"github.com/bigbag/c6link/internal/bridge"
	"github.com/bigbag/c6link/internal/console"
	"github.com/bigbag/c6link/internal/gpio"
	"github.com/bigbag/c6link/internal/provision"
	"github.com/bigbag/c6link/internal/sdio"
	"github.com/bigbag/c6link/internal/serial"
	"github.com/bigbag/c6link/internal/sim"
	"github.com/bigbag/c6link/internal/store"
)

var errNoHost = errors.New("no SDIO host driver on this platform (use --sim)")

// sequencer is a boot-mode sequencer with line setup.
type sequencer interface {
	bootmode.Sequencer
	Configure() error
}

// hardware is the companion wiring for one command run.
type hardware struct {
	boot      sequencer
	companion bridge.Port
	host      sdio.Host

	closers []io.Closer
}

func openHardware() (*hardware, error) {
	if simFlag {
		chip := sim.New(sim.WithEcho(true))
		hw := &hardware{
			boot:      bootmode.New(chip.ResetPin(), chip.BootPin()),
			companion: chip.UART(),
			host:      chip,
			closers:   []io.Closer{chip.UART()},
		}
		if err := hw.boot.Configure(); err != nil {
			return nil, err
		}
		glog.Infof("using simulated companion chip")
		return hw, nil
	}

	if companionFlag == "" {
		return nil, errors.New("no companion port specified (use --companion or --sim)")
	}
	port, err := serial.Open(companionFlag, baudFlag)
	if err != nil {
		return nil, fmt.Errorf("failed to open companion port: %w", err)
	}

	hw := &hardware{
		boot:      newSequencer(port),
		companion: port,
		closers:   []io.Closer{port},
	}
	if err := hw.boot.Configure(); err != nil {
		hw.Close()
		return nil, fmt.Errorf("failed to configure control lines: %w", err)
	}
	return hw, nil
}

// newSequencer selects the control-line wiring: the devkit auto-reset
// circuit, or DTR and RTS wired to BOOT-SELECT and RESET as plain lines.
func newSequencer(port gpio.ModemControl) sequencer {
	if autoResetFlag {
		return bootmode.NewAutoReset(port)
	}
	reset := gpio.NewModemLine(port, gpio.RTS, invertedFlag)
	boot := gpio.NewModemLine(port, gpio.DTR, invertedFlag)
	return bootmode.New(reset, boot)
}

func (h *hardware) openLink(ctx context.Context) (*sdio.Link, error) {
	if h.host == nil {
		return nil, errNoHost
	}
	return sdio.Open(ctx, h.host, h.boot)
}

func (h *hardware) openConsole(ctx context.Context) (console.Console, error) {
	opts := console.Options{
		BaudRate:      baudFlag,
		Username:      consoleUserFlag,
		SkipTLSVerify: insecureFlag,
	}
	if console.IsWebSocket(consoleFlag) && consoleUserFlag != "" {
		pw, err := readSecret("C6LINK_CONSOLE_PASSWORD", "Console password: ")
		if err != nil {
			return nil, err
		}
		opts.Password = pw
	}
	con, err := console.Open(ctx, consoleFlag, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open console: %w", err)
	}
	h.closers = append(h.closers, con)
	return con, nil
}

func (h *hardware) newBridge(ctx context.Context) (*bridge.Bridge, error) {
	con, err := h.openConsole(ctx)
	if err != nil {
		return nil, err
	}
	glog.Infof("bridging %s to the companion UART", con.Name())
	return bridge.New(con, h.companion, h.boot), nil
}

func (h *hardware) Close() error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openStore() (*store.Store, error) {
	st, err := store.Open(storageFlag)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return st, nil
}

// newOrchestrator wires an orchestrator to the hardware. bridgeOK selects
// whether a pending firmware image may start the bridge.
func newOrchestrator(ctx context.Context, hw *hardware, st *store.Store, bridgeOK bool, opts ...provision.Option) *provision.Orchestrator {
	deps := provision.Deps{
		Store: st,
		Boot:  hw.boot,
		OpenLink: func(ctx context.Context) (provision.Link, error) {
			link, err := hw.openLink(ctx)
			if err != nil {
				return nil, err
			}
			return link, nil
		},
		NewBridge: func() (provision.BridgeRunner, error) {
			if !bridgeOK {
				return nil, errors.New("companion firmware update pending, run `c6link boot` to flash it")
			}
			return hw.newBridge(ctx)
		},
	}
	return provision.New(deps, opts...)
}

// readSecret reads a secret from env or prompts on the terminal.
func readSecret(env, prompt string) (string, error) {
	if v := os.Getenv(env); v != "" {
		return v, nil
	}

	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// not a terminal
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("failed to read secret: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(line), nil
	}
	fmt.Fprintln(os.Stderr)
	return string(secret), nil
}
