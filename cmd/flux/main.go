// Copyright 2026 The Flux Authors
// SPDX-License-Identifier: Apache-2.0

// Flux is the peer-to-peer file transfer CLI. "flux receive" mints a
// six-digit transfer code; "flux send" redeems it and streams files
// directly to the receiver over a WebRTC data channel. Only signaling
// passes through the broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/hyuraku/flux/lib/config"
	"github.com/hyuraku/flux/lib/transferui"
	"github.com/hyuraku/flux/lib/version"
	"github.com/hyuraku/flux/transfer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("missing command")
	}

	switch os.Args[1] {
	case "send":
		return runSend(os.Args[2:])
	case "receive":
		return runReceive(os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
		return nil
	case "--version":
		fmt.Printf("flux %s\n", version.Info())
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", os.Args[1])
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Flux transfers files directly between two machines.

Usage:
  flux receive [--output DIR]          mint a code and wait for files
  flux send --code CODE FILE...        redeem a code and send files

Common flags:
  --broker URL     signaling broker websocket URL
  --config PATH    YAML config file (or FLUX_CONFIG)
  --plain          line-oriented output instead of the interactive UI
`)
}

// commonFlags are shared between the send and receive subcommands.
type commonFlags struct {
	broker     string
	configPath string
	plain      bool
	trickle    bool
}

func (f *commonFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.broker, "broker", "", "signaling broker websocket URL (or FLUX_BROKER_URL)")
	flagSet.StringVar(&f.configPath, "config", "", "path to YAML config file (or FLUX_CONFIG)")
	flagSet.BoolVar(&f.plain, "plain", false, "line-oriented output instead of the interactive UI")
	flagSet.BoolVar(&f.trickle, "trickle", true, "exchange ICE candidates incrementally")
}

// sessionOptions layers flags over the loaded config.
func (f *commonFlags) sessionOptions() (transfer.Options, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return transfer.Options{}, fmt.Errorf("loading config: %w", err)
	}
	broker := f.broker
	if broker == "" {
		broker = cfg.Client.BrokerURL
	}
	return transfer.Options{
		BrokerURL:   broker,
		ChunkSize:   uint32(cfg.Client.ChunkSize),
		Compression: cfg.Client.Compression,
		ICEServers:  cfg.Client.ICEServers,
		Trickle:     f.trickle && cfg.Client.Trickle,
	}, nil
}

func runSend(args []string) error {
	var common commonFlags
	var code string
	var compress bool

	flagSet := pflag.NewFlagSet("flux send", pflag.ContinueOnError)
	common.register(flagSet)
	flagSet.StringVar(&code, "code", "", "transfer code from the receiver (required)")
	flagSet.BoolVar(&compress, "compress", false, "gzip chunks of compressible files")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	paths := flagSet.Args()
	if len(paths) == 0 {
		return fmt.Errorf("nothing to send: flux send --code CODE FILE...")
	}

	opts, err := common.sessionOptions()
	if err != nil {
		return err
	}
	opts.Code = code
	if compress {
		opts.Compression = true
	}

	files := make([]transfer.File, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		name := filepath.Base(path)
		fileType := mime.TypeByExtension(filepath.Ext(name))
		if fileType == "" {
			fileType = "application/octet-stream"
		}
		files = append(files, transfer.File{Name: name, Type: fileType, Data: data})
	}

	session, err := transfer.NewSender(opts, files)
	if err != nil {
		return err
	}
	return runSession(session, common.plain, "Sending", nil)
}

func runReceive(args []string) error {
	var common commonFlags
	var outputDir string
	var code string

	flagSet := pflag.NewFlagSet("flux receive", pflag.ContinueOnError)
	common.register(flagSet)
	flagSet.StringVar(&outputDir, "output", ".", "directory to write received files into")
	flagSet.StringVar(&code, "code", "", "request a specific six-digit code instead of a minted one")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	info, err := os.Stat(outputDir)
	if err != nil {
		return fmt.Errorf("output directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("output path %s is not a directory", outputDir)
	}

	opts, err := common.sessionOptions()
	if err != nil {
		return err
	}
	opts.Code = code

	session, err := transfer.NewReceiver(opts)
	if err != nil {
		return err
	}

	save := func(file *transfer.ReceivedFile) (string, error) {
		path, err := uniquePath(filepath.Join(outputDir, filepath.Base(file.Name)))
		if err != nil {
			return "", err
		}
		return path, os.WriteFile(path, file.Data, 0o644)
	}
	return runSession(session, common.plain, "Receiving", save)
}

// runSession starts the session and pumps its events into either the
// interactive UI or plain line output. save, when set, persists each
// received file as it completes.
func runSession(session *transfer.Session, plain bool, title string, save func(*transfer.ReceivedFile) (string, error)) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		session.Cancel()
	}()

	if err := session.Start(ctx); err != nil {
		return err
	}
	defer session.Close()

	uiEvents := make(chan transfer.Event, 64)
	var saveErr error
	go func() {
		defer close(uiEvents)
		for event := range session.Events() {
			if event.Kind == transfer.EventFileReceived && save != nil {
				if _, err := save(event.Received); err != nil {
					saveErr = fmt.Errorf("saving %s: %w", event.Received.Name, err)
					session.Cancel()
				}
			}
			uiEvents <- event
			if event.Kind == transfer.EventState && event.State.Terminal() {
				return
			}
		}
	}()

	var sessionErr error
	if plain {
		sessionErr = runPlain(uiEvents)
	} else {
		model := transferui.New(title, uiEvents, session.Cancel)
		final, err := tea.NewProgram(model).Run()
		if err != nil {
			return err
		}
		if m, ok := final.(transferui.Model); ok {
			sessionErr = m.Err()
		}
	}

	if saveErr != nil {
		return saveErr
	}
	return sessionErr
}

// runPlain logs the event stream one line at a time, for scripts and
// dumb terminals.
func runPlain(events <-chan transfer.Event) error {
	var lastErr error
	for event := range events {
		switch event.Kind {
		case transfer.EventState:
			fmt.Printf("state: %s\n", event.State)
		case transfer.EventCode:
			fmt.Printf("transfer code: %s\n", event.Code)
		case transfer.EventProgress:
			fmt.Printf("%s: %3.0f%% %s\n", event.File, event.Fraction*100, transferui.FormatRate(event.Speed))
		case transfer.EventFileReceived:
			fmt.Printf("received %s (%s, blake3 %s)\n",
				event.Received.Name, transferui.FormatBytes(event.Received.Size), event.Received.Digest)
		case transfer.EventFileSent:
			fmt.Printf("sent %s\n", event.File)
		case transfer.EventPeerStatus:
			fmt.Printf("peer: %s %3.0f%% %s\n", event.Status, event.Fraction*100, transferui.FormatRate(event.Speed))
		case transfer.EventError:
			lastErr = event.Err
		}
	}
	return lastErr
}

// uniquePath returns path, or a numbered variant when a file already
// exists there, so parallel receives never clobber each other.
func uniquePath(path string) (string, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return path, nil
	}
	ext := filepath.Ext(path)
	stem := path[:len(path)-len(ext)]
	for i := 1; i < 1000; i++ {
		candidate := fmt.Sprintf("%s.%d%s", stem, i, ext)
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free name for %s", path)
}
