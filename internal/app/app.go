package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-mpesa-orderflow/internal/aws"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/config"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/handlers"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/mpesa"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/notify"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/orders"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/payments"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/reconcile"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/validation"
)

const connectTimeout = 10 * time.Second

// App holds the wired services shared by the api and worker binaries.
type App struct {
	Orders     orders.Repository
	Dispatcher *notify.Dispatcher
	Handler    *handlers.Handler

	closers []func(context.Context) error
}

// Build connects the configured backends and wires every service.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{}

	var clients *aws.AWSClients
	if cfg.NeedsAWS() {
		c, err := aws.NewAWSClients(ctx, cfg.AWS.Region, cfg.AWS.EndpointOverride)
		if err != nil {
			return nil, fmt.Errorf("init aws clients: %w", err)
		}
		clients = c
	}

	repo, err := a.orderStore(ctx, cfg, clients, logger)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Orders = repo

	var cache mpesa.TokenCache = mpesa.NewMemoryTokenCache()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
		cache = mpesa.NewRedisTokenCache(rdb, cfg.Mpesa.ShortCode)
		logger.Info("sharing daraja token through redis", zap.String("addr", cfg.Redis.Addr))
	}
	gateway := mpesa.NewClient(cfg.Mpesa, cache, logger)

	renderer, err := notify.NewRenderer(notify.CompanyFromConfig(cfg.Email))
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	sender := notify.NewSender(cfg.Email.ResendAPIKey, logger)
	a.Dispatcher = notify.NewDispatcher(repo, renderer, sender, cfg.Email, logger)

	var confirmer reconcile.Confirmer = a.Dispatcher
	if cfg.AWS.QueueURL != "" {
		publisher := aws.NewPublisher(clients.SQS, cfg.AWS.QueueURL)
		confirmer = notify.NewQueueNotifier(repo, publisher, a.Dispatcher, logger)
	}

	var metrics reconcile.Counter
	if cfg.AWS.MetricsNamespace != "" {
		metrics = aws.NewMetrics(clients.CloudWatch, cfg.AWS.MetricsNamespace)
	}

	reconciler := reconcile.New(repo, confirmer, metrics, logger)
	v := validation.New(cfg.Checkout.VerifyTotals)
	paymentSvc := payments.NewService(repo, gateway, reconciler, v,
		cfg.Mpesa.Environment, cfg.Mpesa.CredentialsConfigured(), logger)

	var idemp handlers.IdempotencyStore
	if cfg.Store.IdempotencyTable != "" {
		idemp = idempotency.NewStore(clients.DynamoDB, cfg.Store.IdempotencyTable, cfg.Store.IdempotencyTTL)
	}

	a.Handler = handlers.New(handlers.HandlerConfig{
		Orders:      repo,
		Idempotency: idemp,
		Payments:    paymentSvc,
		Reconciler:  reconciler,
		Dispatcher:  a.Dispatcher,
		Validator:   v,
		Logger:      logger,
	})
	return a, nil
}

// Router returns the HTTP API.
func (a *App) Router() *gin.Engine {
	return handlers.NewRouter(a.Handler)
}

// Close releases backend connections in reverse order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) orderStore(ctx context.Context, cfg *config.Config, clients *aws.AWSClients, logger *zap.Logger) (orders.Repository, error) {
	switch cfg.Store.Backend {
	case config.BackendMongo:
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()

		client, err := mongo.Connect(cctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("connect mongodb: %w", err)
		}
		a.closers = append(a.closers, client.Disconnect)
		if err := client.Ping(cctx, nil); err != nil {
			return nil, fmt.Errorf("ping mongodb: %w", err)
		}
		store := orders.NewMongoStore(client.Database(cfg.Mongo.Database))
		if err := store.EnsureIndexes(cctx); err != nil {
			return nil, err
		}
		logger.Info("orders stored in mongodb", zap.String("database", cfg.Mongo.Database))
		return store, nil
	case config.BackendMemory:
		logger.Warn("orders stored in process memory; data is lost on restart")
		return orders.NewMemoryStore(), nil
	default:
		logger.Info("orders stored in dynamodb", zap.String("table", cfg.Store.OrdersTable))
		return orders.NewDynamoStore(clients.DynamoDB, cfg.Store.OrdersTable), nil
	}
}
