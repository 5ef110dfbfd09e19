package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/code-payments/flipcash2-iap/config"
	"github.com/code-payments/flipcash2-iap/iap"
	"github.com/code-payments/flipcash2-iap/iap/android"
	"github.com/code-payments/flipcash2-iap/iap/apple"
	"github.com/code-payments/flipcash2-iap/iap/cache"
	"github.com/code-payments/flipcash2-iap/iap/memory"
	"github.com/code-payments/flipcash2-iap/metrics"
)

const pollInterval = 10 * time.Millisecond

var (
	errPaymentCancelled = errors.New("payment cancelled")
	errItemUnavailable  = errors.New("item unavailable")
)

// store plays the user and the store UI for the simulated platform.
type store interface {
	// purchaseFlows is the number of purchase flows started so far.
	purchaseFlows() int

	// settle finishes the running purchase flow for product the way the
	// product id asks for.
	settle(product iap.Product) error
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.Must(zap.NewProduction()).Fatal("Failure loading config", zap.Error(err))
	}

	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		zap.Must(zap.NewProduction()).Fatal("Failure parsing log level", zap.Error(err))
	}
	logCfg := zap.NewDevelopmentConfig()
	logCfg.Level = level
	log := zap.Must(logCfg.Build())
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, cfg); err != nil {
		log.Fatal("Simulation failed", zap.Error(err))
	}
}

func run(ctx context.Context, log *zap.Logger, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	ledger := cache.NewInCache(cfg.LedgerTTL)
	defer ledger.(*cache.Ledger).Close()

	svc, st, err := newService(log, cfg, ledger, m)
	if err != nil {
		return err
	}
	defer svc.Dispose()

	g, ctx := errgroup.WithContext(ctx)

	var server *http.Server
	if len(cfg.MetricsAddr) > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		server = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

		g.Go(func() error {
			log.Info("Serving metrics", zap.String("addr", cfg.MetricsAddr))
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "error serving metrics")
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			if server != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}
		}()

		return simulate(ctx, log, svc, st, cfg.Products)
	})

	return g.Wait()
}

func newService(log *zap.Logger, cfg *config.Config, ledger iap.Ledger, m *metrics.Metrics) (iap.Service, store, error) {
	switch cfg.Platform {
	case config.PlatformGoogle:
		publicKey, storeKey, err := memory.GenerateKeyPair()
		if err != nil {
			return nil, nil, errors.Wrap(err, "error generating store key")
		}
		if len(cfg.Android.PublicKey) > 0 {
			// A foreign key makes every purchase fail validation
			publicKey = cfg.Android.PublicKey
		}

		channel := memory.NewBillingChannel(log.Named("billing"), storeKey, cfg.Android.RequestCode)
		for _, product := range cfg.Products {
			channel.AddProduct(product, decimal.RequireFromString("0.99"))
		}

		svc := android.NewService(log, publicKey, channel.Connector(), ledger, m)
		return svc, &googleStore{channel: channel, svc: svc}, nil

	case config.PlatformApple:
		queue := memory.NewPaymentQueue(log.Named("queue"))
		return apple.NewService(log, queue, ledger, m), &appleStore{queue: queue}, nil

	default:
		return nil, nil, errors.Errorf("unknown platform: %q", cfg.Platform)
	}
}

func simulate(ctx context.Context, log *zap.Logger, svc iap.Service, st store, products []string) error {
	if _, err := svc.Init(ctx, nil); err != nil {
		return errors.Wrap(err, "error initializing service")
	}

	started, err := svc.Resume(ctx)
	if err != nil {
		return errors.Wrap(err, "error resuming service")
	}
	log.Info("Service resumed", zap.Bool("started", started))

	for _, id := range products {
		if err := purchaseOne(ctx, log, svc, st, iap.NewProduct(id)); err != nil {
			return err
		}
		if ctx.Err() != nil {
			log.Info("Simulation interrupted")
			return nil
		}
	}

	started, err = svc.Pause(ctx)
	if err != nil {
		return errors.Wrap(err, "error pausing service")
	}
	log.Info("Service paused", zap.Bool("started", started))
	return nil
}

// purchaseOne runs a purchase alongside the simulated store that settles it.
func purchaseOne(ctx context.Context, log *zap.Logger, svc iap.Service, st store, product iap.Product) error {
	log = log.With(zap.String("product_id", product.ID))

	flows := st.purchaseFlows()
	done := make(chan struct{})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)

		purchase, err := svc.Purchase(ctx, product)
		switch {
		case err == nil:
			log.Info("Purchase resolved",
				zap.String("status", purchase.Status.String()),
				zap.String("transaction_id", purchase.TransactionID),
			)
		case iap.IsCancelled(err):
			log.Info("Purchase cancelled")
		case ctx.Err() != nil:
			log.Info("Purchase abandoned on shutdown", zap.Error(err))
		case iap.KindOf(err) != iap.ErrorKindUnknown:
			log.Info("Purchase failed", zap.String("outcome", iap.Outcome(nil, err)), zap.Error(err))
		default:
			return errors.Wrap(err, "error purchasing")
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if st.purchaseFlows() > flows {
					return st.settle(product)
				}
			}
		}
	})

	return g.Wait()
}

type googleStore struct {
	channel *memory.BillingChannel
	svc     *android.Service
}

func (s *googleStore) purchaseFlows() int {
	return s.channel.BuyCount()
}

func (s *googleStore) settle(product iap.Product) error {
	var res *memory.ActivityResult
	switch {
	case strings.HasSuffix(product.ID, ".canceled"):
		res = s.channel.CancelPurchase()
	case strings.HasSuffix(product.ID, ".item_unavailable"):
		res = s.channel.RejectPurchase(iap.ResponseCodeItemUnavailable)
	default:
		var err error
		res, err = s.channel.ApprovePurchase()
		if err != nil {
			return err
		}
	}

	s.svc.HandleActivityResult(res.RequestCode, res.ResultCode, res.Data)
	return nil
}

type appleStore struct {
	queue *memory.PaymentQueue
}

func (s *appleStore) purchaseFlows() int {
	return s.queue.PaymentCount()
}

func (s *appleStore) settle(product iap.Product) error {
	var err error
	switch {
	case strings.HasSuffix(product.ID, ".canceled"):
		_, err = s.queue.Fail(product.ID, errPaymentCancelled)
	case strings.HasSuffix(product.ID, ".item_unavailable"):
		_, err = s.queue.Fail(product.ID, errItemUnavailable)
	default:
		_, err = s.queue.Complete(product.ID)
	}
	return err
}
