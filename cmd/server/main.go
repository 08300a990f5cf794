package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"e2e_relay/internal/config"
	deviceRepo "e2e_relay/internal/repository/device"
	envelopeRepo "e2e_relay/internal/repository/envelope"
	prekeyRepo "e2e_relay/internal/repository/prekey"
	"e2e_relay/internal/service/delivery"
	"e2e_relay/internal/service/ratelimit"
	"e2e_relay/internal/service/reaper"
	redisSvc "e2e_relay/internal/service/redis"
	"e2e_relay/internal/service/registry"
	"e2e_relay/internal/service/token"
	"e2e_relay/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	v, err := config.LoadConfig("config")
	if err != nil {
		panic(err)
	}
	cfg, err := config.ParseConfig(v)
	if err != nil {
		panic(err)
	}

	log.Init(cfg.LoggerMode.Development)
	defer log.Sync()

	mongoClient, err := initMongo(cfg.Mongo.URI)
	if err != nil {
		panic(err)
	}
	db := mongoClient.Database(cfg.Mongo.Database)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	redisService := redisSvc.NewRedis(rdb)

	devices := deviceRepo.NewRepo(db)
	prekeys := prekeyRepo.NewRepo(db)
	envelopes := envelopeRepo.NewRepo(db, cfg.Envelope.TTL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	for _, ensure := range []func(context.Context) error{
		devices.EnsureIndexes, prekeys.EnsureIndexes, envelopes.EnsureIndexes,
	} {
		if err := ensure(ctx); err != nil {
			cancel()
			panic(err)
		}
	}
	cancel()

	reg := registry.NewRegistry()
	limiter := ratelimit.NewLimiter(cfg.RateLimit.Max, cfg.RateLimit.Window)
	tokens := token.NewService(redisService, cfg.Auth.TokenTTL, cfg.Auth.VerifyTimeout)
	engine := delivery.NewEngine(envelopes, devices, reg, limiter, cfg.Delivery.FanoutAll, cfg.Envelope.DrainLimit)

	rp := reaper.NewReaper(reg, envelopes, limiter, cfg.Liveness.ProbeInterval, cfg.Envelope.SweepInterval)
	rp.Start()

	srv := delivery.NewServer(cfg, engine, reg, tokens, devices, prekeys)
	go func() {
		log.Info("relay listening", zap.String("addr", cfg.Server.Addr), zap.String("region", cfg.Server.Region))
		if err := srv.Run(); err != nil {
			log.Error("server stopped", zap.Error(err))
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	<-done

	log.Info("shutting down")
	rp.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", zap.Error(err))
	}
	_ = mongoClient.Disconnect(shutdownCtx)
}

func initMongo(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
