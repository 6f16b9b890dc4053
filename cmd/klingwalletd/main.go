// Package main provides the klingwalletd daemon: a self-custodial Bitcoin
// and Lightning wallet behind a JSON-RPC and WebSocket API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/urfave/cli/v2"

	"github.com/klingon-exchange/klingwallet/internal/activity"
	"github.com/klingon-exchange/klingwallet/internal/backend"
	"github.com/klingon-exchange/klingwallet/internal/balance"
	"github.com/klingon-exchange/klingwallet/internal/blocktank"
	"github.com/klingon-exchange/klingwallet/internal/chain"
	"github.com/klingon-exchange/klingwallet/internal/config"
	"github.com/klingon-exchange/klingwallet/internal/keystore"
	"github.com/klingon-exchange/klingwallet/internal/lightning"
	"github.com/klingon-exchange/klingwallet/internal/rpc"
	"github.com/klingon-exchange/klingwallet/internal/storage"
	"github.com/klingon-exchange/klingwallet/internal/wallet"
	"github.com/klingon-exchange/klingwallet/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "klingwalletd",
		Usage:   "Bitcoin and Lightning wallet daemon",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data-dir", Value: "~/.klingwallet", Usage: "data directory", EnvVars: []string{"KLINGWALLET_DATA_DIR"}},
			&cli.StringFlag{Name: "network", Value: "mainnet", Usage: "bitcoin network (mainnet, testnet)"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "log level (debug, info, warn, error)"},
		},
		DefaultCommand: "run",
		Commands: []*cli.Command{
			runCommand(),
			mnemonicCommand(),
			deriveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Error("Fatal", "error", err)
		os.Exit(1)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "start the wallet daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "rpc-listen", Usage: "JSON-RPC listen address, overrides config"},
			&cli.StringFlag{Name: "lnd-host", Usage: "lnd gRPC host:port, overrides config"},
			&cli.StringFlag{Name: "lnd-tls-cert", Usage: "lnd TLS certificate path"},
			&cli.StringFlag{Name: "lnd-macaroon", Usage: "lnd macaroon path"},
			&cli.StringFlag{Name: "blocktank-url", Usage: "LSP API base URL, overrides config"},
			&cli.StringFlag{Name: "address-type", Usage: "default address type for new wallets"},
		},
		Action: run,
	}
}

// setup parses the network, resolves the data directory and loads the
// config with command line overrides applied.
func setup(c *cli.Context) (*config.Config, string, error) {
	network, err := chain.ParseNetwork(c.String("network"))
	if err != nil {
		return nil, "", err
	}

	// Testnet keeps its own database and keystore.
	dataDir := config.ExpandPath(c.String("data-dir"))
	if network != chain.Mainnet {
		dataDir = filepath.Join(dataDir, string(network))
	}

	cfg, err := config.LoadConfig(dataDir, network)
	if err != nil {
		return nil, "", err
	}
	cfg.DataDir = dataDir
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	if v := c.String("rpc-listen"); v != "" {
		cfg.RPC.Listen = v
	}
	if v := c.String("lnd-host"); v != "" {
		cfg.Lightning.Host = v
	}
	if v := c.String("lnd-tls-cert"); v != "" {
		cfg.Lightning.TLSCertPath = v
	}
	if v := c.String("lnd-macaroon"); v != "" {
		cfg.Lightning.MacaroonPath = v
	}
	if v := c.String("blocktank-url"); v != "" {
		cfg.Blocktank.URL = v
	}
	if v := c.String("address-type"); v != "" {
		t, err := chain.ParseAddressType(v)
		if err != nil {
			return nil, "", err
		}
		cfg.AddressType = t
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}

	return cfg, dataDir, nil
}

func run(c *cli.Context) error {
	cfg, dataDir, err := setup(c)
	if err != nil {
		return err
	}

	log := logging.New(&cfg.Logging)
	logging.SetDefault(log)

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	store, err := storage.New(&storage.Config{DataDir: dataDir})
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", dataDir)

	indexer, err := backend.New(cfg.Backend, cfg.Network)
	if err != nil {
		return fmt.Errorf("failed to create indexer: %w", err)
	}
	if err := indexer.Connect(ctx); err != nil {
		// The engine retries on every refresh.
		log.Warn("Indexer unreachable", "backend", indexer.Type(), "error", err)
	}
	defer indexer.Close()

	clk := clock.NewDefaultClock()
	ledger := activity.NewLedger(store, clk, time.Local, log.Component("activity"))

	engine, err := wallet.NewEngine(wallet.EngineConfig{
		Network:            cfg.Network,
		Indexer:            indexer,
		Storage:            store,
		Policy:             cfg.Wallet,
		Activity:           ledger,
		Clock:              clk,
		Logger:             log.Component("wallet"),
		DefaultAddressType: cfg.AddressType,
	})
	if err != nil {
		return fmt.Errorf("failed to create wallet engine: %w", err)
	}
	engine.Start(ctx)
	defer engine.Stop()

	deps := rpc.Deps{
		Engine:        engine,
		Keystore:      keystore.New(filepath.Join(dataDir, "keystore"), keystore.DefaultParams),
		Activity:      ledger,
		Logger:        log.Component("rpc"),
		WatchInterval: cfg.Blocktank.WatchInterval,
	}

	var nodeSource balance.NodeSource
	if cfg.Lightning.Enabled() {
		lnd, err := lightning.DialLnd(cfg.Lightning, log.Component("lnd"))
		if err != nil {
			return fmt.Errorf("failed to connect to lnd: %w", err)
		}
		defer lnd.Close()
		lnd.Start(ctx)

		bus := lightning.NewBus()
		go bus.Run(ctx, lnd.Events())
		defer bus.Close()

		deps.Node = lnd
		deps.Bus = bus
		nodeSource = lnd
		log.Info("Lightning node connected", "host", cfg.Lightning.Host)
	} else {
		log.Info("Lightning disabled, no lnd host configured")
	}
	deps.Balances = balance.NewAggregator(engine, nodeSource, log.Component("balance"))

	if cfg.Blocktank.URL != "" {
		orders := blocktank.NewCoordinator(blocktank.CoordinatorConfig{
			Client:             blocktank.NewHTTPClient(cfg.Blocktank.URL, cfg.Blocktank.Timeout),
			Node:               deps.Node,
			Storage:            store,
			Clock:              clk,
			Logger:             log.Component("blocktank"),
			WatchInterval:      cfg.Blocktank.WatchInterval,
			DefaultExpiryWeeks: cfg.Blocktank.DefaultExpiryWeeks,
		})
		if err := orders.ResumeWatches(ctx); err != nil {
			log.Warn("Failed to resume order watches", "error", err)
		}
		defer orders.StopAll()
		deps.Orders = orders
	}

	rpcServer := rpc.NewServer(deps)
	if err := rpcServer.Start(ctx, cfg.RPC.Listen); err != nil {
		return fmt.Errorf("failed to start RPC server: %w", err)
	}

	printBanner(log, cfg, rpcServer.Addr())

	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				log.Info("Status",
					"wallets", len(engine.Wallets()),
					"ws_clients", rpcServer.WSHub().ClientCount())
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
	case <-ctx.Done():
	}
	log.Info("Shutting down...")

	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}
	cancel()

	log.Info("Goodbye!")
	return nil
}

func printBanner(log *logging.Logger, cfg *config.Config, apiAddr string) {
	networkLabel := "mainnet"
	if cfg.Network != chain.Mainnet {
		networkLabel = "TESTNET"
	}
	lightningLabel := "disabled"
	if cfg.Lightning.Enabled() {
		lightningLabel = cfg.Lightning.Host
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  Klingon Wallet (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  API: http://%s", apiAddr)
	log.Infof("  WS:  ws://%s/ws", apiAddr)
	log.Info("")
	log.Infof("  Indexer: %s | Lightning: %s", cfg.Backend.Type, lightningLabel)
	log.Infof("  LSP: %s", cfg.Blocktank.URL)
	log.Infof("  Data dir: %s", cfg.DataDir)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}

func mnemonicCommand() *cli.Command {
	return &cli.Command{
		Name:  "mnemonic",
		Usage: "generate a new BIP39 mnemonic",
		Action: func(c *cli.Context) error {
			m, err := wallet.GenerateMnemonic()
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, m)
			return nil
		},
	}
}

func deriveCommand() *cli.Command {
	return &cli.Command{
		Name:      "derive",
		Usage:     "derive addresses from a mnemonic",
		ArgsUsage: " ",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "mnemonic", Usage: "BIP39 mnemonic", EnvVars: []string{"KLINGWALLET_MNEMONIC"}},
			&cli.StringFlag{Name: "passphrase", Usage: "BIP39 passphrase"},
			&cli.StringFlag{Name: "address-type", Value: "p2wpkh", Usage: "p2pkh, p2sh, p2wpkh or p2tr"},
			&cli.StringFlag{Name: "path", Usage: "custom path template, e.g. m/84'/0'/0'"},
			&cli.BoolFlag{Name: "change", Usage: "derive change addresses"},
			&cli.UintFlag{Name: "start", Usage: "first index"},
			&cli.UintFlag{Name: "count", Value: 5, Usage: "number of addresses"},
		},
		Action: func(c *cli.Context) error {
			network, err := chain.ParseNetwork(c.String("network"))
			if err != nil {
				return err
			}
			t, err := chain.ParseAddressType(c.String("address-type"))
			if err != nil {
				return err
			}
			mnemonic := c.String("mnemonic")
			if mnemonic == "" {
				return fmt.Errorf("a mnemonic is required")
			}

			addrs, err := wallet.Derive(mnemonic, c.String("passphrase"), wallet.DeriveRequest{
				Network:      network,
				AddressType:  t,
				PathTemplate: c.String("path"),
				Change:       c.Bool("change"),
				Start:        uint32(c.Uint("start")),
				Count:        int(c.Uint("count")),
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(c.App.Writer)
			enc.SetIndent("", "  ")
			return enc.Encode(addrs)
		},
	}
}
