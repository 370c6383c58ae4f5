package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure kubeconfigs using them keep working.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"github.com/go-logr/logr"
	slogcontext "github.com/veqryn/slog-context"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/kubepane/kubepane/internal/gateway"
	"github.com/kubepane/kubepane/internal/rules"
	"github.com/kubepane/kubepane/internal/server"
	"github.com/kubepane/kubepane/internal/session"
)

func main() {
	var (
		addr              string
		kubeconfig        string
		rulesFile         string
		logLevel          string
		snapshotCacheSize int
		snapshotTTL       time.Duration
		shutdownTimeout   time.Duration
	)
	flag.StringVar(&addr, "addr", ":8384", "The address the API server binds to.")
	flag.StringVar(&kubeconfig, "kubeconfig", "", "Path to a kubeconfig. Defaults to the usual loading rules (KUBECONFIG, ~/.kube/config).")
	flag.StringVar(&rulesFile, "rules", "", "Path to a YAML file of save-guard rules. Empty disables guards.")
	flag.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error.")
	flag.IntVar(&snapshotCacheSize, "snapshot-cache-size", 256, "Number of closed-session snapshots kept for fast re-open.")
	flag.DurationVar(&snapshotTTL, "snapshot-ttl", 30*time.Second, "How long a closed-session snapshot may seed a re-open.")
	flag.DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "Grace period for in-flight requests on shutdown.")
	flag.Parse()

	logger, err := newLogger(logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = slogcontext.NewCtx(ctx, logger)

	if err := run(ctx, logger, options{
		addr:              addr,
		kubeconfig:        kubeconfig,
		rulesFile:         rulesFile,
		snapshotCacheSize: snapshotCacheSize,
		snapshotTTL:       snapshotTTL,
		shutdownTimeout:   shutdownTimeout,
	}); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

type options struct {
	addr              string
	kubeconfig        string
	rulesFile         string
	snapshotCacheSize int
	snapshotTTL       time.Duration
	shutdownTimeout   time.Duration
}

func run(ctx context.Context, logger *slog.Logger, opts options) error {
	restCfg, err := buildRESTConfig(opts.kubeconfig)
	if err != nil {
		return fmt.Errorf("failed to load cluster configuration: %w", err)
	}
	dynClient, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return fmt.Errorf("failed to create dynamic client: %w", err)
	}
	discoClient, err := discovery.NewDiscoveryClientForConfig(restCfg)
	if err != nil {
		return fmt.Errorf("failed to create discovery client: %w", err)
	}

	var guard session.Guard
	if opts.rulesFile != "" {
		cfg, err := rules.LoadConfig(opts.rulesFile)
		if err != nil {
			return err
		}
		g, err := rules.Compile(cfg.Rules)
		if err != nil {
			return err
		}
		guard = g
		logger.Info("save guards loaded", "rules", len(cfg.Rules), "file", opts.rulesFile)
	}

	gw := gateway.NewDynamic(dynClient, gateway.NewDiscoveryResolver(discoClient))
	manager := session.NewManager(session.ManagerOptions{
		Gateway:           gw,
		Guard:             guard,
		Logger:            logr.FromSlogHandler(logger.Handler()),
		SnapshotCacheSize: opts.snapshotCacheSize,
		SnapshotTTL:       opts.snapshotTTL,
	})
	defer manager.CloseAll()

	srv := &http.Server{
		Addr:              opts.addr,
		Handler:           server.New(manager).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return slogcontext.NewCtx(context.Background(), logger)
		},
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info("serving", "addr", opts.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

func buildRESTConfig(kubeconfig string) (*rest.Config, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		loadingRules.ExplicitPath = kubeconfig
	}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(slogcontext.NewHandler(handler, nil)), nil
}
