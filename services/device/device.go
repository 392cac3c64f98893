package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/relabs-tech/iotdemo/core/logger"
	"github.com/relabs-tech/iotdemo/device/agent"
	"github.com/relabs-tech/iotdemo/device/config"
	"github.com/relabs-tech/iotdemo/device/hub"
	"github.com/relabs-tech/iotdemo/device/provisioning"
	"github.com/relabs-tech/iotdemo/device/settings"
	"github.com/relabs-tech/iotdemo/device/telemetry"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger.InitLogger(logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gate := agent.NewLineGate(os.Stdin, os.Stdout)
	a := agent.New(&agent.Builder{
		Credentials: cfg.Credentials(),
		Settings:    settings.NewStore(cfg.SettingsFile),
		Provisioner: provisioning.New(&provisioning.Builder{
			Endpoint:     cfg.ProvisioningEndpoint,
			PollInterval: cfg.ProvisioningPollInterval,
		}),
		Connector: hub.NewManager(hub.MQTTDialer(hub.MQTTOptions{
			BrokerURL: cfg.HubBrokerURL,
			Timeout:   cfg.HubTimeout,
		})),
		Loop: telemetry.NewLoop(cfg.SendInterval),
		Gate: gate,
	})

	// the agent logs the reason of a failure itself
	if err := a.Run(ctx); err != nil {
		os.Exit(1)
	}

	if ctx.Err() == nil {
		if err := gate.Pause(ctx); err != nil {
			logger.Default().WithError(err).Warnln("exiting without confirmation")
		}
	}
}
