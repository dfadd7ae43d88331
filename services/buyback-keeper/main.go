package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/robfig/cron/v3"

	"buyback/observability/logging"
	"buyback/services/buyback-keeper/client"
	"buyback/services/buyback-keeper/keeper"
	"buyback/services/buyback-keeper/profile"
)

func main() {
	var (
		profilePath string
		once        bool
	)
	flag.StringVar(&profilePath, "profile", "services/buyback-keeper/keeper.toml", "path to keeper profile")
	flag.BoolVar(&once, "once", false, "run a single pass and exit")
	flag.Parse()

	p, err := profile.Load(profilePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "buyback-keeper: load profile: %v\n", err)
		os.Exit(1)
	}
	var logFile *logging.FileOptions
	if strings.TrimSpace(p.LogFile) != "" {
		logFile = &logging.FileOptions{Path: p.LogFile, MaxSizeMB: 50, MaxBackups: 3, MaxAgeDays: 7}
	}
	logger := logging.Setup("buyback-keeper", p.Environment, p.LogLevel, logFile)
	logger.Info("keeper starting",
		"daemon", p.DaemonURL,
		"identity", p.Identity,
		"schedule", p.Schedule,
		logging.MaskField("hmac_secret", p.HMACSecret))

	api, err := client.New(client.Config{
		BaseURL:  p.DaemonURL,
		Identity: p.IdentityAddress(),
		Secret:   p.HMACSecret,
		Issuer:   p.Issuer,
		Audience: p.Audience,
		Timeout:  p.TimeoutDuration(),
	})
	if err != nil {
		logger.Error("configure client", "error", err)
		os.Exit(1)
	}
	k := keeper.New(api, p.IdentityAddress(), p.OwnerAddresses(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if once {
		k.Tick(ctx)
		return
	}

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := scheduler.AddFunc(p.Schedule, func() { k.Tick(ctx) }); err != nil {
		logger.Error("invalid schedule", "schedule", p.Schedule, "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	<-ctx.Done()
	<-scheduler.Stop().Done()
	logger.Info("keeper stopped")
}
