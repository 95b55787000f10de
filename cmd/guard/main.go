// Command guard is the workstation side of the activation gate.
//
//	guard -config guard.yaml status
//	guard -config guard.yaml activate LAB42
//	guard -config guard.yaml watch
//
// status exits 0 when the application may be used and 2 when it must show
// the activation prompt.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Leafyheader/LabSync/internal/config"
	"github.com/Leafyheader/LabSync/internal/guard"
	"github.com/Leafyheader/LabSync/internal/logging"
)

func main() {
	cfgPath := flag.String("config", "guard.yaml", "guard YAML config")
	flag.Parse()

	log := logging.New("info", "console")
	cfg, err := config.LoadGuardConfig(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load guard config")
	}
	log = logging.New(cfg.Log.Level, cfg.Log.Format)

	store, err := guard.OpenSnapshotStore(cfg.StatePath, cfg.StateSecret, cfg.InstallID)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.StatePath).Msg("open snapshot store")
	}
	defer store.Close()

	g := guard.New(guard.NewClient(cfg.ServerURL, cfg.HTTPTimeout), store, log, guard.Options{
		PollInterval:    cfg.PollInterval,
		TamperThreshold: cfg.TamperThreshold,
		DriftWarn:       cfg.DriftWarn,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		args = []string{"status"}
	}
	switch args[0] {
	case "status":
		st, err := g.CheckStatus(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("server unreachable")
		}
		printState(st)
		if !st.IsActivated {
			store.Close()
			os.Exit(2)
		}
	case "activate":
		code := ""
		if len(args) > 1 {
			code = args[1]
		}
		if _, err := g.CheckStatus(ctx); err != nil {
			log.Warn().Err(err).Msg("server unreachable")
		}
		st, err := g.Activate(ctx, code)
		if err != nil {
			var ue guard.UserError
			if errors.As(err, &ue) {
				fmt.Fprintln(os.Stderr, ue.UserMessage())
			}
			log.Debug().Err(err).Msg("activate")
			store.Close()
			os.Exit(1)
		}
		fmt.Println("Activated.")
		printState(st)
	case "watch":
		g.OnChange(printState)
		g.Run(ctx)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want status, activate or watch)\n", args[0])
		store.Close()
		os.Exit(64)
	}
}

func printState(s guard.State) {
	switch {
	case s.IsActivated && s.Provisional:
		fmt.Println("usable (offline: last server decision)")
	case s.IsActivated:
		fmt.Println("usable")
	default:
		fmt.Println("activation required")
	}
	if s.TamperSuspected {
		fmt.Println("warning: local clock changes detected")
	}
}
