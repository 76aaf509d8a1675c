package main

import (
	"context"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"attestd/internal/attestation"
	"attestd/internal/command"
	"attestd/internal/config"
	"attestd/internal/geo"
	"attestd/internal/keylock"
	"attestd/internal/models"
	"attestd/internal/notify"
	"attestd/internal/observability/logging"
	"attestd/internal/observability/metrics"
	"attestd/internal/policy"
	"attestd/internal/pricing"
	"attestd/internal/reward"
	"attestd/internal/server"
	"attestd/internal/sweeper"
	"attestd/internal/verify"
	"attestd/internal/voucher"
	"attestd/internal/wallet"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.Setup(logging.Options{
		Service:    "attestd",
		Env:        cfg.Env,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	pol, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		log.Fatalf("policy error: %v", err)
	}

	node := wallet.NewClient(wallet.ClientConfig{URL: cfg.NodeRPCURL, Timeout: cfg.NodeRPCTimeout})
	attestors, err := wallet.Resolve(context.Background(), node)
	if err != nil {
		log.Fatalf("attestor address resolution error: %v", err)
	}

	var geoResolver geo.Resolver
	if cfg.GeoDBPath != "" {
		geoDB, err := geo.Open(cfg.GeoDBPath)
		if err != nil {
			log.Fatalf("geo database error: %v", err)
		}
		defer geoDB.Close()
		geoResolver = geoDB
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	engineMetrics := metrics.NewEngine(registry)

	converter := pricing.RateConverter{USDPerCoin: cfg.USDPerCoin, UnitsPerCoin: notify.UnitsPerCoin}
	pricer := pricing.New(pol, node, converter)
	locks := keylock.New()
	notifier := wallet.NewChatNotifier(node)
	operator := wallet.NewOperatorNotifier(node, cfg.OperatorHandle, logger)

	rewards := reward.New(reward.Config{
		DB:        db,
		Locks:     locks,
		Policy:    pol,
		Converter: converter,
		Sender:    node,
		Contracts: node,
		Resolver:  reward.NewLedgerResolver(db, node, []string{attestors.Jumio, attestors.SmartID}),
		Notifier:  notifier,
		Operator:  operator,
		Attestors: attestors,
	})

	vouchers := voucher.NewLedger(voucher.Config{
		DB:         db,
		Locks:      locks,
		Issuer:     node,
		Sender:     node,
		Contracts:  node,
		Notifier:   notifier,
		Metrics:    engineMetrics,
		InstantCap: pol.InstantPayoutCap,
	})

	submitters := map[string]verify.Submitter{}
	pollers := map[string]verify.Poller{}
	var smartIDClient verify.SmartIDClient
	if cfg.Jumio.Enabled() {
		jumio := verify.NewJumioClient(verify.JumioConfig{
			BaseURL:     cfg.Jumio.BaseURL,
			APIToken:    cfg.Jumio.APIToken,
			APISecret:   cfg.Jumio.APISecret,
			CallbackURL: cfg.CallbackURL(),
		})
		submitters[models.ProviderJumio] = jumio
		pollers[models.ProviderJumio] = jumio
	}
	if cfg.SmartID.Enabled() {
		smartID := verify.NewSmartIDClient(verify.SmartIDConfig{
			AuthorizeURL: cfg.SmartID.AuthorizeURL,
			TokenURL:     cfg.SmartID.TokenURL,
			UserDataURL:  cfg.SmartID.UserDataURL,
			ClientID:     cfg.SmartID.ClientID,
			ClientSecret: cfg.SmartID.ClientSecret,
			RedirectURL:  cfg.RedirectURL(),
		})
		submitters[models.ProviderSmartID] = smartID
		smartIDClient = smartID
	}

	engine := attestation.New(attestation.Config{
		DB:         db,
		Locks:      locks,
		Pricer:     pricer,
		Policy:     pol,
		Rewards:    rewards,
		Vouchers:   vouchers,
		Submitters: submitters,
		Pollers:    pollers,
		Poster:     node,
		Issuer:     node,
		Geo:        geoResolver,
		Notifier:   notifier,
		Operator:   operator,
		Attestors:  attestors,
		Metrics:    engineMetrics,
		Donations:  attestation.NewDonationAsks(cfg.DonationAskInterval),
	})

	responder := command.NewResponder(engine, converter, notifier)

	sweeps := sweeper.New(sweeper.Config{
		Engine:              engine,
		Rewards:             rewards,
		Sender:              node,
		Unspent:             node,
		Attestors:           attestors,
		Metrics:             engineMetrics,
		Logger:              logger,
		RetryInterval:       cfg.RetryInterval,
		PollInterval:        cfg.PollInterval,
		PurgeInterval:       cfg.PurgeInterval,
		ConsolidateInterval: cfg.ConsolidateInterval,
		PayloadRetention:    cfg.PayloadRetention,
	})
	go sweeps.Start(context.Background())

	srv := server.New(server.Config{
		Engine:        engine,
		Payments:      engine,
		Chat:          responder,
		SmartID:       smartIDClient,
		WebhookSecret: cfg.WebhookSecret,
		Registry:      registry,
	})

	addr := ":" + cfg.Port
	logger.Info("starting attestd", "addr", addr, "env", cfg.Env)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
