package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wtfsayo/mcpay-sub006/internal/config"
	"github.com/wtfsayo/mcpay-sub006/internal/model"
	"github.com/wtfsayo/mcpay-sub006/internal/proxy"
	"github.com/wtfsayo/mcpay-sub006/internal/signer"
	"github.com/wtfsayo/mcpay-sub006/internal/state"
	"github.com/wtfsayo/mcpay-sub006/internal/store"
	"github.com/wtfsayo/mcpay-sub006/internal/x402"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the payment proxy",
	RunE:  runServe,
}

var (
	serveListen    string
	servePublicURL string
)

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "host:port to listen on (default from config)")
	serveCmd.Flags().StringVar(&servePublicURL, "public-url", "", "public base URL clients should use")
}

func runServe(cmd *cobra.Command, _ []string) error {
	overrides := &config.Overrides{}
	if serveListen != "" {
		overrides.ListenAddr = &serveListen
	}
	if servePublicURL != "" {
		overrides.PublicBaseURL = &servePublicURL
	}
	if globalFlags.StateDir != "" {
		overrides.StateDir = &globalFlags.StateDir
	}

	cfg, err := config.Load(config.Options{
		ConfigPath: globalFlags.ConfigPath,
		Overrides:  overrides,
	})
	if err != nil {
		exitWith(ExitConfigInvalid, "ERROR: "+err.Error())
	}

	stateDir, err := filepath.Abs(cfg.StateDir)
	if err != nil {
		exitWith(ExitStateFailure, "ERROR: state directory path invalid: "+err.Error())
	}
	cfg.StateDir = stateDir

	logger, err := buildLogger(cfg.Mode)
	if err != nil {
		exitWith(ExitGenericError, "ERROR: logger init: "+err.Error())
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := state.EnsureStateDir(stateDir); err != nil {
		exitWith(ExitStateFailure, "ERROR: failed to init state: "+err.Error())
	}
	defer state.ReleaseStateLock(stateDir)

	db := store.NewSQLiteStore(cfg.ResolveDatabasePath())
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.Init(ctx); err != nil {
		exitWith(ExitStoreFailure, "ERROR: database init: "+err.Error())
	}
	defer func() {
		_ = db.Close()
	}()

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		exitWith(ExitBindFailure, "ERROR: server bind failure: "+err.Error())
	}

	baseURL := cfg.PublicBaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s", listener.Addr().String())
	}

	servers, err := db.ListServers(ctx)
	if err != nil {
		logger.Warn("server catalog read failed", zap.Error(err))
	}
	serverIDs := make([]string, 0, len(servers))
	for _, s := range servers {
		serverIDs = append(serverIDs, s.ServerID)
	}
	if err := state.WriteConnectionJSON(stateDir, baseURL, serverIDs); err != nil {
		exitWith(ExitStateFailure, "ERROR: failed to write connection.json: "+err.Error())
	}

	pool := x402.NewFacilitatorPool(
		cfg.Facilitator.DefaultURL,
		cfg.Facilitator.NetworkURLs,
		cfg.Facilitator.BearerToken,
		nil,
	)
	proxy.ProbeFacilitators(ctx, pool, logger)

	audit := proxy.NewAuditLog(proxy.PaymentLogPath(stateDir))
	registry := buildSignerRegistry(cfg, db, logger)

	pipeline := proxy.NewPipeline(cfg, db, proxy.Deps{
		Facilitators: pool,
		Signers:      registry,
		Audit:        audit,
		Logger:       logger,
	})
	server := proxy.NewServer(pipeline, logger)

	if cfg.Settlement.Enabled {
		settler := proxy.NewSettler(db, pool, audit, logger,
			time.Duration(cfg.Settlement.IntervalSec)*time.Second,
			cfg.Settlement.BatchSize)
		go settler.Run(ctx)
	}

	printStartup(cfg, baseURL, servers)
	if globalFlags.JSON {
		emitNDJSON("server_started", map[string]any{
			"listen":   listener.Addr().String(),
			"base_url": baseURL,
			"servers":  len(servers),
		})
	}

	logger.Info("proxy listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("mode", cfg.Mode),
		zap.Int("registered_servers", len(servers)))
	return server.Serve(ctx, listener)
}

func buildLogger(mode string) (*zap.Logger, error) {
	if mode == config.ModeProduction {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// buildSignerRegistry assembles the auto-signing strategies the config
// allows. A missing key simply leaves its strategy out.
func buildSignerRegistry(cfg config.Config, db model.Store, logger *zap.Logger) *signer.Registry {
	var strategies []signer.Strategy

	if cfg.Signer.TestPrivateKey != "" {
		strategy, err := signer.NewTestKeyStrategy(cfg.Mode, cfg.Signer.TestPrivateKey)
		if err != nil {
			logger.Warn("test key strategy unavailable", zap.Error(err))
		} else {
			strategies = append(strategies, strategy)
		}
	}
	if cfg.Signer.OperatorPrivateKey != "" {
		accounts, err := signer.NewStaticKeySigner(cfg.Signer.OperatorPrivateKey)
		if err != nil {
			logger.Warn("managed wallet strategy unavailable", zap.Error(err))
		} else {
			strategies = append(strategies, signer.NewManagedWalletStrategy(db, accounts))
		}
	}

	return signer.NewRegistry(signer.Config{
		Enabled:          cfg.Signer.Enabled,
		FallbackBehavior: cfg.Signer.FallbackBehavior,
		MaxRetries:       cfg.Signer.MaxRetries,
		TimeoutMs:        cfg.Signer.TimeoutMs,
	}, logger, strategies...)
}

func printStartup(cfg config.Config, baseURL string, servers []model.RegisteredServer) {
	if globalFlags.Quiet || globalFlags.JSON {
		return
	}
	s := newStyles(os.Stdout, false)
	fmt.Println(s.banner(), s.dim("payment proxy"))
	fmt.Println(s.kv("Listen", cfg.ListenAddr))
	fmt.Println(s.kv("Base URL", baseURL))
	fmt.Println(s.kv("Mode", cfg.Mode))
	fmt.Println(s.kv("State", cfg.StateDir))
	if len(servers) == 0 {
		fmt.Println(s.dim("  no servers registered yet; run 'mcpay register' first"))
		return
	}
	fmt.Println(s.sectionHeader("Registered servers"))
	for _, server := range servers {
		fmt.Println(s.kv(server.ServerID, baseURL+"/mcp/"+server.ServerID))
	}
}

func emitNDJSON(event string, data map[string]any) {
	out := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"level": "info",
		"event": event,
		"data":  data,
	}
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(out)
}
