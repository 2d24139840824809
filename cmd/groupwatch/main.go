package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"groupwatch/internal/app"
	logx "groupwatch/pkg/logx"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var cfgPath string
	var showVersion bool

	flagSet := pflag.NewFlagSet("groupwatch", pflag.ContinueOnError)
	flagSet.StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config file (.json, .yaml, .yml or .toml)")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitUsage
	}
	if showVersion {
		fmt.Println("groupwatch", version)
		return exitOK
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		fmt.Fprintf(os.Stderr, "error: unexpected argument: %s\n", rest[0])
		return exitUsage
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Logs until the config's own logging section takes over.
	boot := logx.NewConsole("info")
	a, err := app.New(cfgPath)
	if err != nil {
		boot.Error("startup failed", logx.String("config", cfgPath), logx.Err(err))
		return exitFatal
	}
	if err := a.Start(ctx); err != nil {
		boot.Error("start failed", logx.Err(err))
		return exitFatal
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		boot.Error("stopped on fatal error", logx.Err(a.Err()))
		return exitFatal
	}
	return exitOK
}
