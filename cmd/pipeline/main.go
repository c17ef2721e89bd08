package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	ossignal "os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dkellner/tradeflow/internal/alerts"
	"github.com/dkellner/tradeflow/internal/broker"
	"github.com/dkellner/tradeflow/internal/config"
	"github.com/dkellner/tradeflow/internal/domain"
	"github.com/dkellner/tradeflow/internal/history"
	"github.com/dkellner/tradeflow/internal/ledger"
	"github.com/dkellner/tradeflow/internal/monitor"
	"github.com/dkellner/tradeflow/internal/observ"
	"github.com/dkellner/tradeflow/internal/optimizer"
	"github.com/dkellner/tradeflow/internal/orders"
	"github.com/dkellner/tradeflow/internal/outbox"
	"github.com/dkellner/tradeflow/internal/risk"
	"github.com/dkellner/tradeflow/internal/signal"
	"github.com/dkellner/tradeflow/internal/stream"
	"github.com/dkellner/tradeflow/internal/universe"
)

func main() {
	var (
		configPath = flag.String("config", "config/config.yaml", "path to config file")
		barsPath   = flag.String("bars", "", "optional JSONL bar fixture to publish on startup")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	observ.Log("pipeline_start", map[string]any{
		"mode": cfg.TradingMode, "universe": len(cfg.Universe), "portfolio": cfg.Ledger.PortfolioID,
	})

	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	memlog := stream.NewMemLog(time.Duration(cfg.Consumer.VisibilityTimeoutMs) * time.Millisecond)

	// Shared collaborators.
	histStore := history.NewStore()
	uni := universe.NewStatic(cfg.Universe)
	stateCache := ledger.NewStateCache()
	kill, err := risk.NewPersistentKillSwitch(cfg.KillStatePath)
	if err != nil {
		log.Fatalf("init kill switch: %v", err)
	}

	led, err := ledger.New(ledger.Config{
		PortfolioID:      cfg.Ledger.PortfolioID,
		InitialCash:      cfg.Ledger.InitialCash,
		KillDrawdown:     cfg.Ledger.KillDrawdown,
		StatePath:        cfg.Ledger.StatePath,
		FillsJournalPath: cfg.Ledger.FillsJournalPath,
	}, memlog)
	if err != nil {
		log.Fatalf("init ledger: %v", err)
	}

	ob, err := outbox.New(cfg.OutboxPath)
	if err != nil {
		log.Fatalf("init outbox: %v", err)
	}
	// Orders journaled in a previous run but never confirmed on the stream
	// go back onto the order topic before the consumers start.
	for _, order := range ob.UnconfirmedOrders() {
		b, err := json.Marshal(order)
		if err != nil {
			continue
		}
		if _, err := memlog.Publish(ctx, domain.TopicOrders, order.Symbol, b); err != nil {
			log.Printf("republish journaled order %s: %v", order.OrderID, err)
			continue
		}
		if err := ob.MarkPublished(order.IdempotencyKey); err != nil {
			log.Printf("confirm journaled order %s: %v", order.OrderID, err)
		}
		observ.Log("order_republished", map[string]any{"order_id": order.OrderID, "symbol": order.Symbol})
	}

	// Stages.
	feeder := history.NewFeeder(histStore)
	sigGen := signal.NewGenerator(signal.Config{
		StrategyVersion: cfg.Signal.StrategyVersion,
		LookbackDays:    cfg.Signal.LookbackDays,
		EWMALambda:      cfg.Signal.EWMALambda,
		TargetVol:       cfg.Signal.TargetVol,
		MaxWeight:       cfg.Signal.MaxWeight,
	}, histStore, memlog)
	opt := optimizer.New(optimizer.Config{
		PortfolioID:       cfg.Ledger.PortfolioID,
		SingleCap:         cfg.Optimizer.SingleCap,
		GrossCap:          cfg.Optimizer.GrossCap,
		DrawdownThreshold: cfg.Optimizer.DrawdownThreshold,
		DeriskFactor:      cfg.Optimizer.DeriskFactor,
		BarrierTimeout:    time.Duration(cfg.Optimizer.BarrierTimeoutMs) * time.Millisecond,
		MaxOpenDates:      cfg.Optimizer.MaxOpenDates,
	}, uni, stateCache, memlog)
	gen := orders.NewGenerator(orders.Config{
		MinNotionalMode:  cfg.Orders.MinNotionalMode,
		MinNotionalUSD:   cfg.Orders.MinNotionalUSD,
		MinNotionalPct:   cfg.Orders.MinNotionalPct,
		FractionalShares: cfg.Orders.FractionalShares,
		AllowShort:       cfg.Orders.AllowShort,
		TimeInForce:      cfg.Orders.TimeInForce,
		CancelOnKill:     cfg.Orders.CancelOnKill,
	}, led, histStore, kill, ob, memlog)

	var adapter broker.Adapter
	var live *broker.Live
	switch cfg.TradingMode {
	case "live":
		live = broker.NewLive(broker.LiveConfig{
			BaseURL:       cfg.Live.BaseURL,
			StreamURL:     cfg.Live.StreamURL,
			APIKey:        cfg.Live.APIKey,
			Timeout:       time.Duration(cfg.Live.TimeoutMs) * time.Millisecond,
			RatePerSecond: cfg.Live.RatePerSecond,
			RateBurst:     cfg.Live.RateBurst,
		}, memlog)
		adapter = live
	default:
		adapter = broker.NewPaper(broker.PaperConfig{
			SlippageBpsMin:     cfg.Paper.SlippageBpsMin,
			SlippageBpsMax:     cfg.Paper.SlippageBpsMax,
			LatencyMsMin:       cfg.Paper.LatencyMsMin,
			LatencyMsMax:       cfg.Paper.LatencyMsMax,
			CommissionPerShare: cfg.Paper.CommissionPerShare,
			CommissionMin:      cfg.Paper.CommissionMin,
			PartialFillProb:    cfg.Paper.PartialFillProb,
		}, memlog, 0)
	}
	exec := broker.NewExecutor(adapter, memlog)
	gen.SetCanceller(exec)

	mon := monitor.New(monitor.Config{
		PortfolioID:     cfg.Ledger.PortfolioID,
		StalenessWindow: time.Duration(cfg.Monitor.StalenessWindowMs) * time.Millisecond,
		CheckInterval:   time.Duration(cfg.Monitor.CheckIntervalMs) * time.Millisecond,
	}, uni, memlog)

	notifiers := []alerts.Notifier{alerts.LogNotifier{}}
	if cfg.Monitor.SlackWebhookURL != "" {
		slack := alerts.NewSlackNotifier(cfg.Monitor.SlackWebhookURL)
		defer slack.Close()
		notifiers = append(notifiers, slack)
	}
	dispatcher := alerts.NewDispatcher(notifiers...)

	consumerCfg := func(topic, group string) stream.ConsumerConfig {
		return stream.ConsumerConfig{
			Topic:        topic,
			Group:        group,
			MaxBatch:     cfg.Consumer.MaxBatch,
			MaxRetries:   cfg.Consumer.MaxRetries,
			BackoffBase:  time.Duration(cfg.Consumer.BackoffBaseMs) * time.Millisecond,
			BackoffMax:   time.Duration(cfg.Consumer.BackoffMaxMs) * time.Millisecond,
			PollInterval: time.Duration(cfg.Consumer.PollIntervalMs) * time.Millisecond,
		}
	}

	consumers := []*stream.Consumer{
		stream.NewConsumer(memlog, consumerCfg(domain.TopicBars, "history"), feeder.Process),
		stream.NewConsumer(memlog, consumerCfg(domain.TopicBars, "signal"), sigGen.Process),
		stream.NewConsumer(memlog, consumerCfg(domain.TopicSignals, "optimizer"), opt.Process),
		stream.NewConsumer(memlog, consumerCfg(domain.TopicTargets, "orders"), gen.Process),
		stream.NewConsumer(memlog, consumerCfg(domain.TopicOrders, "broker"), exec.Process),
		stream.NewConsumer(memlog, consumerCfg(domain.TopicFills, "broker-tracker"), exec.ProcessFill),
		stream.NewConsumer(memlog, consumerCfg(domain.TopicFills, "ledger"), led.Process),
		stream.NewConsumer(memlog, consumerCfg(domain.TopicPortfolioState, "state-cache"), stateCache.Process),
		stream.NewConsumer(memlog, consumerCfg(domain.TopicControl, "kill-switch"), kill.Process),
		stream.NewConsumer(memlog, consumerCfg(domain.TopicAlerts, "alerts"), dispatcher.Process),
		stream.NewConsumer(memlog, consumerCfg(domain.TopicBars, "monitor"), mon.ObserveBar),
		stream.NewConsumer(memlog, consumerCfg(domain.TopicSignals, "monitor"), mon.ObserveSignal),
		stream.NewConsumer(memlog, consumerCfg(domain.TopicTargets, "monitor"), mon.ObserveTarget),
		stream.NewConsumer(memlog, consumerCfg(domain.DeadLetterTopic(domain.TopicBars), "monitor"), mon.ObserveDeadLetter),
		stream.NewConsumer(memlog, consumerCfg(domain.DeadLetterTopic(domain.TopicSignals), "monitor"), mon.ObserveDeadLetter),
		stream.NewConsumer(memlog, consumerCfg(domain.DeadLetterTopic(domain.TopicTargets), "monitor"), mon.ObserveDeadLetter),
		stream.NewConsumer(memlog, consumerCfg(domain.DeadLetterTopic(domain.TopicFills), "monitor"), mon.ObserveDeadLetter),
	}

	var wg sync.WaitGroup
	for _, c := range consumers {
		wg.Add(1)
		go func(c *stream.Consumer) {
			defer wg.Done()
			if err := c.Run(ctx); err != nil && err != context.Canceled {
				// A fatal stage (ledger integrity) takes the whole pipeline
				// down; no stage is safe to keep trading past it.
				observ.Log("consumer_error", map[string]any{"error": err.Error()})
				cancel()
			}
		}(c)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		mon.Run(ctx)
	}()

	if live != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			live.StreamFills(ctx, exec.OrderByClientID)
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/", monitor.OpsHandler(memlog, kill, cfg.Ledger.PortfolioID))
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server: %v", err)
		}
	}()

	if *barsPath != "" {
		if err := publishBars(ctx, memlog, *barsPath); err != nil {
			log.Printf("publish bar fixture: %v", err)
		}
	}

	<-ctx.Done()
	observ.Log("pipeline_stopping", map[string]any{})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	srv.Shutdown(shutdownCtx)
	shutdownCancel()

	wg.Wait()
	observ.Log("pipeline_stopped", map[string]any{})
}

// publishBars feeds a JSONL fixture of bars onto the bar topic, one line per
// bar. Used for paper sessions and demos.
func publishBars(ctx context.Context, log stream.Log, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var bar domain.Bar
		if err := json.Unmarshal(sc.Bytes(), &bar); err != nil {
			continue
		}
		if _, err := log.Publish(ctx, domain.TopicBars, bar.Symbol, sc.Bytes()); err != nil {
			return err
		}
		n++
	}
	observ.Log("bars_published", map[string]any{"path": path, "count": n})
	return sc.Err()
}
