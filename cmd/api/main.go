package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"bookstore/internal/config"
	"bookstore/internal/handler"
	"bookstore/internal/infra/db"
	"bookstore/internal/infra/gateway"
	"bookstore/internal/infra/kafka"
	"bookstore/internal/infra/logging"
	"bookstore/internal/infra/metrics"
	"bookstore/internal/infra/redislock"
	infraRepo "bookstore/internal/infra/repository"
	"bookstore/internal/server"
	"bookstore/internal/usecase"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const sweeperLeaseKey = "bookstore:sweeper:lease"

func main() {
	// .envは無くてもよい（本番は環境変数）
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		panic(err)
	}

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logging.New(cfg.ServiceName, cfg.GoEnv)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	//DB接続
	gormDB, err := db.Connect(cfg)
	if err != nil {
		return err
	}
	if err := db.Migrate(gormDB); err != nil {
		return err
	}

	//Repository（GORM実装）生成
	productRepo := infraRepo.NewProductGormRepository(gormDB)
	cartRepo := infraRepo.NewCartGormRepository(gormDB)
	ledger := infraRepo.NewStockLedgerGormRepository(gormDB)
	txm := infraRepo.NewTxManagerGorm(gormDB)

	m := metrics.New()

	gw := gateway.New(gateway.Config{
		BaseURL:       cfg.GatewayBaseURL,
		AccessToken:   cfg.GatewayAccessToken,
		Timeout:       cfg.GatewayTimeout,
		AmountScale:   cfg.GatewayAmountScale,
		PublicBaseURL: cfg.PublicBaseURL,
	}, &http.Client{Timeout: cfg.GatewayTimeout})

	// イベント送信先（Kafkaが無ければログだけ）
	var events usecase.EventPublisher = kafka.NewLogPublisher(log)
	if len(cfg.KafkaBrokers) > 0 {
		pub := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() { _ = pub.Close() }()
		events = pub
	}

	// 複数インスタンスならRedisでsweeperを1台に絞る
	lease := usecase.NopLease()
	if cfg.RedisAddr != "" {
		rdb := redislock.NewClient(cfg.RedisAddr)
		defer func() { _ = rdb.Close() }()
		lease = redislock.New(rdb, sweeperLeaseKey)
	}

	deps := usecase.Deps{
		Tx:         txm,
		Orders:     infraRepo.NewOrderGormRepository(gormDB),
		OrderItems: infraRepo.NewOrderItemGormRepository(gormDB),
		Payments:   infraRepo.NewPaymentGormRepository(gormDB),
		Ledger:     ledger,
		Carts:      cartRepo,
		CartItems:  cartRepo,
		Products:   productRepo,
		Gateway:    gw,
		Events:     events,
		Metrics:    m,
		Log:        log,
	}

	//Usecase生成
	sm := usecase.NewOrderStateMachine(deps, cfg.TransitionAttempts)
	cartUC := usecase.NewCartUsecase(cartRepo, cartRepo, productRepo, ledger)
	orderUC := usecase.NewOrderUsecase(deps, sm, cartUC, cfg.ReservationTTL)
	rec := usecase.NewPaymentReconciler(deps, sm)
	adminOrderUC := usecase.NewAdminOrderUsecase(deps, sm)
	adminProductUC := usecase.NewAdminProductUsecase(txm, nil)
	sweeper := usecase.NewExpirationSweeper(deps, sm, rec, lease, usecase.SweeperConfig{
		Interval:     cfg.SweepInterval,
		BatchSize:    cfg.SweepBatchSize,
		StaleAfter:   cfg.StaleAfter,
		AbandonAfter: cfg.AbandonAfter,
	})

	//Handler生成
	e := server.New(cfg, log, server.Handlers{
		Cart:         handler.NewCartHandler(cartUC),
		Order:        handler.NewOrderHandler(orderUC, rec),
		Payment:      handler.NewPaymentHandler(rec, log),
		AdminOrder:   handler.NewAdminOrderHandler(adminOrderUC),
		AdminProduct: handler.NewAdminProductHandler(adminProductUC),
	}, m.Gatherer())

	sweepDone := make(chan error, 1)
	go func() { sweepDone <- sweeper.Run(ctx) }()

	addr := ":" + cfg.Port
	log.Info("server starting", zap.String("addr", addr))
	serveErr := server.Start(ctx, e, addr)

	// サーバーが先に落ちたときもsweeperを止める
	stop()
	if err := <-sweepDone; err != nil {
		log.Error("sweeper stopped", zap.Error(err))
	}
	return serveErr
}
