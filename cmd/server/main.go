package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"contact_chat/internal/config"
	"contact_chat/internal/repository/key"
	"contact_chat/internal/repository/message"
	"contact_chat/internal/repository/relationship"
	"contact_chat/internal/repository/user"
	redisSvc "contact_chat/internal/service/redis"
	"contact_chat/internal/service/server"
	"contact_chat/internal/transport/natsbus"
	"contact_chat/internal/utils/log"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	cmd := &cobra.Command{
		Use:          "server",
		Short:        "Contact and encrypted room messaging server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			if err := log.Init(cfg.LogLevel); err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	config.RegisterServerFlags(cmd.Flags())

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	deps, closeFn, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	if cfg.NATSURL != "" {
		bus, err := natsbus.Connect(natsbus.Config{URL: cfg.NATSURL, Name: "contact_chat-server"})
		if err != nil {
			return err
		}
		defer bus.Close()
		deps.Relay = bus
		log.Info("relaying envelopes to NATS", zap.String("url", cfg.NATSURL))
	}

	return server.NewHttpServer(deps).Run(ctx, cfg.HTTPAddr)
}

func buildDeps(ctx context.Context, cfg *config.Config) (server.Deps, func(), error) {
	if cfg.Memory {
		log.Warn("using in-memory stores; data is lost on exit")
		users := user.NewMemoryRepo()
		return server.Deps{
			Users:         users,
			Relationships: relationship.NewStore(relationship.NewMemoryBackend(), relationship.WithProfiles(users)),
			Keys:          key.NewMemoryDirectory(users),
			Messages:      message.NewMemoryLog(),
			Mailbox:       server.NewMemoryMailbox(),
		}, func() {}, nil
	}

	mongoDBClient, err := initMongo(ctx, cfg)
	if err != nil {
		return server.Deps{}, nil, err
	}
	db := mongoDBClient.Database(cfg.MongoDatabase)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	redisService := redisSvc.NewRedis(rdb)

	userRepo := user.NewUserRepo(db)
	keys := key.NewMongoDirectory(db, userRepo)
	relBackend := relationship.NewMongoBackend(db)
	messages := message.NewMongoLog(db)

	closeFn := func() {
		_ = redisService.Close()
		_ = mongoDBClient.Disconnect(context.Background())
	}

	initCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()
	if err := redisService.Ping(initCtx); err != nil {
		closeFn()
		return server.Deps{}, nil, errors.Wrap(err, "ping redis")
	}
	for name, ix := range map[string]interface{ EnsureIndexes(context.Context) error }{
		"users":         userRepo,
		"keys":          keys,
		"relationships": relBackend,
		"messages":      messages,
	} {
		if err := ix.EnsureIndexes(initCtx); err != nil {
			closeFn()
			return server.Deps{}, nil, errors.Wrapf(err, "ensure %s indexes", name)
		}
	}

	return server.Deps{
		Users:         userRepo,
		Relationships: relationship.NewStore(relBackend, relationship.WithProfiles(userRepo)),
		Keys:          keys,
		Messages:      messages,
		Mailbox:       server.NewRedisMailbox(redisService, cfg.MailboxTTL),
	}, closeFn, nil
}

func initMongo(ctx context.Context, cfg *config.Config) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, errors.Wrap(err, "connect mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "ping mongo")
	}
	return client, nil
}
