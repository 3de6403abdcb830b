package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rielpay/payverify/internal/cache"
	"github.com/rielpay/payverify/internal/cost"
	"github.com/rielpay/payverify/internal/extract"
	"github.com/rielpay/payverify/internal/learn"
	"github.com/rielpay/payverify/internal/monitoring"
	"github.com/rielpay/payverify/internal/store"
	"github.com/rielpay/payverify/internal/verify"
	"github.com/rielpay/payverify/pkg/vision"
)

// appEnv wires the store, caches, pipeline and trainer for a command run.
type appEnv struct {
	Store     store.Store
	Extractor *extract.Extractor
	Issuers   *cache.IssuerCache
	Merchants *cache.MerchantCache
	Savings   *cost.SavingsTracker
	Pipeline  *verify.Pipeline
	Processor *learn.TrainingProcessor
	Scheduler *learn.Scheduler
	Collector *monitoring.Collector
}

func (e *appEnv) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("store close failed", zap.Error(err))
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv builds the full verification environment. The vision provider is
// optional: without an API key the pipeline returns pending instead of
// falling back.
func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}

	registry, err := extract.LoadRegistry("")
	if err != nil {
		st.Close()
		return nil, err
	}
	extractor := extract.NewExtractor(registry)

	issuers := cache.NewIssuerCache(
		time.Duration(cfg.Cache.IssuerTTLMins)*time.Minute,
		time.Duration(cfg.Cache.SweepIntervalMins)*time.Minute,
		cfg.Cache.MaxPatternsPerField,
	)
	merchants := cache.NewMerchantCache(
		time.Duration(cfg.Cache.MerchantTTLMins)*time.Minute,
		time.Duration(cfg.Cache.SweepIntervalMins)*time.Minute,
		cfg.Cache.MaxMerchantPatterns,
	)

	calc := cost.NewCalculator(cost.DefaultRates())
	savings := cost.NewSavingsTracker(st, calc, cfg.Vision.Model)

	var provider vision.Provider
	if cfg.Vision.Key != "" {
		provider = vision.NewClient(cfg.Vision.Key, cfg.Vision.Model,
			time.Duration(cfg.Vision.TimeoutSecs)*time.Second)
	} else {
		zap.L().Warn("no vision API key configured, fallback path disabled")
	}

	pipeline := verify.New(extractor, issuers, merchants, st, provider, savings, verify.Config{
		ConfidenceThreshold: cfg.Pipeline.ConfidenceThreshold,
		AmountTolerance:     cfg.Pipeline.AmountTolerance,
		IssuerWeight:        cfg.Pipeline.IssuerWeight,
		ExtractionWeight:    cfg.Pipeline.ExtractionWeight,
		NoFieldIssuerWeight: cfg.Pipeline.NoFieldIssuerWeight,
		VisionRPS:           cfg.Vision.RPS,
		VisionBurst:         cfg.Vision.Burst,
	})

	processor := learn.NewTrainingProcessor(st, issuers, merchants, registry, learn.Config{
		BatchSize:            cfg.Learning.BatchSize,
		MinSamples:           cfg.Learning.MinSamples,
		QualifyingConfidence: cfg.Learning.QualifyingConfidence,
		MinScore:             cfg.Learning.MinScore,
		MinFrequency:         cfg.Learning.MinFrequency,
		TopPerField:          cfg.Learning.TopPerField,
		MaxPerField:          cfg.Cache.MaxPatternsPerField,
		MerchantThreshold:    cfg.Learning.MerchantThreshold,
		Retention:            time.Duration(cfg.Learning.RetentionDays) * 24 * time.Hour,
		WeightConfidence:     cfg.Learning.WeightConfidence,
		WeightSuccess:        cfg.Learning.WeightSuccess,
		WeightFrequency:      cfg.Learning.WeightFrequency,
	})

	scheduler := learn.NewScheduler(processor, issuers, merchants,
		time.Duration(cfg.Learning.TrainIntervalSecs)*time.Second, 0)

	return &appEnv{
		Store:     st,
		Extractor: extractor,
		Issuers:   issuers,
		Merchants: merchants,
		Savings:   savings,
		Pipeline:  pipeline,
		Processor: processor,
		Scheduler: scheduler,
		Collector: monitoring.NewCollector(st, issuers, merchants),
	}, nil
}
