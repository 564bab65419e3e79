package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/fasthttp/router"
	"github.com/joho/godotenv"
	"github.com/valyala/fasthttp"

	"ruleinsight/internal/aggregator"
	"ruleinsight/internal/analytics"
	"ruleinsight/internal/config"
	"ruleinsight/internal/db"
	"ruleinsight/internal/http/handlers"
	appmw "ruleinsight/internal/http/middleware"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	sqlDB, err := db.Connect(cfg)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}

	db.StartRetentionWorker(sqlDB)

	store := db.NewStore(sqlDB, cfg.StoreTimeout, cfg.UniqueUserCap)
	engine := analytics.NewEngine(store, cfg.UniqueUserCap)

	agg := aggregator.New(store, aggregator.Config{
		BatchSize:           cfg.BatchSize,
		BatchMaxWait:        cfg.BatchMaxWait,
		Workers:             cfg.IngestWorkers,
		QueueCapacity:       cfg.QueueCapacity,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		RetentionDays:       cfg.RetentionDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	agg.Start(ctx)

	aggregator.InitMetrics()

	r := router.New()

	r.GET("/healthz", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})

	r.POST("/v1/events", appmw.BearerAuth(cfg.IngestToken)(handlers.IngestHandler(agg)))
	r.GET("/v1/rules/{ruleId}/analytics", handlers.RuleAnalytics(engine))
	r.GET("/v1/dashboard", handlers.DeploymentDashboard(engine))
	r.GET("/metrics", handlers.PrometheusMetricsHandler())

	handler := handlers.RequestLogger(r.Handler)

	log.Printf("ruleinsight listening on %s", cfg.ListenAddr)
	if err := fasthttp.ListenAndServe(cfg.ListenAddr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
