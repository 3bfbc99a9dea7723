// Command coapfs browses and edits a remote file service from the shell.
//
//	coapfs [-config file] details PATH
//	coapfs [-config file] create PATH file|folder
//	coapfs [-config file] open PATH
//	coapfs [-config file] save PATH LOCAL_FILE|-
//	coapfs [-config file] delete PATH
//	coapfs [-config file] rename PATH NAME
//	coapfs [-config file] move PATH NEW_PATH
//	coapfs [-config file] search PATH REGEX
//	coapfs [-config file] mirror
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Zereker/coapfs"
	"github.com/Zereker/coapfs/internal/config"
	"github.com/Zereker/coapfs/mirror"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (yaml, json or toml)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	if err := run(*configPath, flag.Args()); err != nil {
		slog.Error("command failed", "error", err.Error())
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config file] <details|create|open|save|delete|rename|move|search|mirror> args...\n", os.Args[0])
	flag.PrintDefaults()
}

func run(configPath string, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down...")
		cancel()
	}()

	dialCtx, dialCancel := context.WithTimeout(ctx, cfg.DialTimeout)
	transport, err := coapfs.Dial(dialCtx, cfg.Server)
	dialCancel()
	if err != nil {
		return err
	}

	conn, err := coapfs.NewConn(transport,
		coapfs.LoggerOption(logger),
		coapfs.TokenLengthOption(cfg.TokenLength),
		coapfs.BufferSizeOption(cfg.BufferSize),
		coapfs.ResponseTimeoutOption(cfg.ResponseTimeout),
	)
	if err != nil {
		transport.Close()
		return err
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- conn.Run(ctx)
	}()
	defer func() {
		cancel()
		<-runErr
	}()

	if args[0] == "mirror" {
		return runMirror(ctx, cfg, conn, logger)
	}

	cmd, err := buildCommand(args, os.Stdin, os.Stdout)
	if err != nil {
		return err
	}

	err = conn.Do(ctx, cmd)
	if errors.Is(err, coapfs.ErrNoResponse) && !cmd.ResponseNeeded() {
		logger.Warn("no acknowledgement received", "cmd", cmd.Kind())
		return nil
	}
	return err
}

func runMirror(ctx context.Context, cfg *config.Config, conn *coapfs.Conn, logger *slog.Logger) error {
	w, err := mirror.New(cfg.Mirror.LocalRoot, cfg.Mirror.RemoteRoot, conn, logger)
	if err != nil {
		return err
	}
	defer w.Close()

	err = w.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
