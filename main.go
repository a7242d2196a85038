// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/xnat-ingest/ingest/config"
	"github.com/xnat-ingest/ingest/core"
	"github.com/xnat-ingest/ingest/journal"
	"github.com/xnat-ingest/ingest/services"
	"github.com/xnat-ingest/ingest/sessions"
	"github.com/xnat-ingest/ingest/staging"
)

// Prints usage info.
func usage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "%s: usage:\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "%s [flags] <config_file>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Flags:\n%s", flagSet.FlagUsages())
	fmt.Fprintf(os.Stderr, "See README.md for details on config files.\n")
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	var once, serve bool
	var level string
	flagSet := pflag.NewFlagSet("stager", pflag.ContinueOnError)
	flagSet.BoolVar(&once, "once", false, "run a single staging pass even if a loop interval is configured")
	flagSet.BoolVar(&serve, "serve", false, "run the status service alongside the stager")
	flagSet.StringVar(&level, "log-level", "", "log level (debug, info, warn, error), overriding the configuration")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			usage(flagSet)
			os.Exit(0)
		}
		usage(flagSet)
		os.Exit(1)
	}

	// The only argument is the configuration filename.
	if flagSet.NArg() != 1 {
		usage(flagSet)
		os.Exit(1)
	}
	configFile := flagSet.Arg(0)

	// Read the configuration file.
	log.Printf("Reading configuration from '%s'...\n", configFile)
	b, err := os.ReadFile(configFile)
	if err != nil {
		log.Panicf("Couldn't read configuration data: %s\n", err.Error())
	}
	if err := core.Init(b); err != nil {
		log.Panicf("Couldn't initialize the configuration: %s\n", err.Error())
	}
	if level == "" {
		level = config.Service.LogLevel
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr,
		&slog.HandlerOptions{Level: logLevel(level)})))

	if config.Staging.Journal != "" {
		if err := journal.Init(); err != nil {
			log.Panicf("Couldn't open the staging journal: %s\n", err.Error())
		}
		defer func() {
			if journal.IsOpen() {
				journal.Finalize()
			}
		}()
	}

	stager, err := staging.NewStagerFromConfig()
	if err != nil {
		log.Panicf("Couldn't create the stager: %s\n", err.Error())
	}
	opts, err := sessions.FromPathsOptionsFromConfig()
	if err != nil {
		log.Panicf("Couldn't parse field specifications: %s\n", err.Error())
	}
	assocOpts := sessions.AssociateOptions{SpacesToUnderscores: config.Staging.SpacesToUnderscores}
	pass := func(ctx context.Context) ([]string, error) {
		return stager.StagePaths(ctx, opts, config.Associated, assocOpts)
	}

	// Intercept the SIGINT, SIGHUP, SIGTERM, and SIGQUIT signals, stopping
	// staging between sessions if they are encountered.
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	defer stop()

	var service services.StatusService
	if serve {
		service, err = services.NewStagerService()
		if err != nil {
			log.Panicf("Couldn't create the service: %s\n", err.Error())
		}
		// Start the service in a goroutine so it doesn't block.
		go func() {
			if err := service.Start(config.Service.Port); err != nil {
				slog.Error(err.Error())
				stop()
			}
		}()
	}

	status := 0
	if once || config.Staging.LoopInterval == 0 {
		errs, err := pass(ctx)
		if err != nil {
			slog.Error(fmt.Sprintf("Staging failed: %s", err))
			status = 1
		} else if len(errs) > 0 {
			slog.Warn(fmt.Sprintf("Staging completed with %d error(s)", len(errs)))
		}
		if serve {
			// keep serving until interrupted
			<-ctx.Done()
		}
	} else {
		interval := time.Duration(config.Staging.LoopInterval) * time.Second
		err := stager.Loop(ctx, interval, pass)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error(err.Error())
			status = 1
		}
	}

	if service != nil {
		// Wait for connections to close until the deadline elapses.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		service.Shutdown(shutdownCtx)
	}
	slog.Info("Shutting down")
	if status != 0 {
		if journal.IsOpen() {
			journal.Finalize()
		}
		os.Exit(status)
	}
}
