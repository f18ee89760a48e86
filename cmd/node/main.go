package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"privacyroute/internal/app"
)

func main() {
	cfgPath := flag.String("config", "", "optional path to TOML config file")
	selector := flag.Bool("selector", false, "enable route selector control API role")
	bridge := flag.Bool("bridge", false, "enable overlay data plane bridge role")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nodeCfg := app.Config{
		ConfigPath: *cfgPath,
		Roles: app.Roles{
			Selector: *selector,
			Bridge:   *bridge,
		},
	}

	if !nodeCfg.Roles.Any() {
		log.Fatal("no role selected; pass one or more of --selector --bridge")
	}

	if err := app.Run(ctx, nodeCfg); err != nil {
		log.Fatal(err)
	}
}
