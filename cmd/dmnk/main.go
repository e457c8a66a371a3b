package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dmnk-game/dmnk/internal/auth"
	"github.com/dmnk-game/dmnk/internal/chain"
	"github.com/dmnk-game/dmnk/internal/config"
	"github.com/dmnk-game/dmnk/internal/game"
	"github.com/dmnk-game/dmnk/internal/store"
	"github.com/dmnk-game/dmnk/internal/wallet"
	"github.com/dmnk-game/dmnk/internal/web"
)

func main() {
	// Parse command line flags
	var showHelp bool
	flag.BoolVar(&showHelp, "help", false, "Show help information")
	flag.BoolVar(&showHelp, "h", false, "Show help information")
	flag.Parse()

	if showHelp {
		showHelpMessage()
		return
	}

	// Setup logging
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	setupLogging(cfg.Development)

	if cfg.Chain.GatewayAddress == "" {
		log.Fatal().Msg("chain.gateway_address is not set")
	}
	gasPrice, err := cfg.Chain.GasPriceWei()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid gas price")
	}

	log.Info().
		Str("network", cfg.Chain.NetworkName()).
		Int64("chain_id", cfg.Chain.ChainID).
		Str("gateway", cfg.Chain.Gateway().Hex()).
		Msg("Using network")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rpc, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.Chain.RPCURL).Msg("Failed to connect to RPC")
	}
	defer rpc.Close()

	logs := rpc
	if url := cfg.Chain.EventsURL(); url != cfg.Chain.RPCURL {
		logs, err = chain.Dial(ctx, url)
		if err != nil {
			log.Fatal().Err(err).Str("url", url).Msg("Failed to connect to event endpoint")
		}
		defer logs.Close()
	}

	games, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open game store")
	}
	defer games.Close()

	wallets := wallet.NewManager(cfg.Wallet.KeystoreDir, big.NewInt(cfg.Chain.ChainID))

	issuer, err := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create token issuer")
	}

	// Controllers are built on unlock, once the wallet can sign.
	factory := func(account common.Address) (*game.Controller, error) {
		txOpts, err := wallets.Transactor()
		if err != nil {
			return nil, err
		}
		acct, err := wallets.Account()
		if err != nil {
			return nil, err
		}
		logger := log.With().Str("account", chain.ShortenAddress(account)).Logger()

		backend := chain.NewEthBackend(rpc, cfg.Chain.Gateway(), txOpts,
			chain.WithGasLimit(cfg.Chain.GasLimit),
			chain.WithGasPrice(gasPrice),
			chain.WithReceiptTimeout(cfg.Chain.ReceiptTimeout),
			chain.WithBackendLogger(logger),
		)
		events := chain.NewEthEvents(logs, cfg.Chain.Gateway(), account, logger)

		return game.NewController(backend, events, acct,
			game.WithLogger(logger),
			game.WithAddressBook(games),
			game.WithBoardSize(cfg.Board.Width, cfg.Board.Height),
		)
	}

	hub := web.NewHub()
	service := web.NewService(cfg, wallets, issuer, games, factory, hub, web.WithBalanceReader(rpc))
	defer service.Close()

	// Create server
	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     service.Router(),
		ReadTimeout: 15 * time.Second,
		// play and moves wait for their receipt
		WriteTimeout: cfg.Chain.ReceiptTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
	}
	log.Info().Msg("Server exited")
}

func setupLogging(dev config.DevelopmentConfig) {
	level, err := zerolog.ParseLevel(dev.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if dev.Debug {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}

func showHelpMessage() {
	fmt.Println(`DMNK Client

DESCRIPTION:
    Local client for DMNK, an m,n,k-game played against strangers through
    smart contracts on Harmony. Matches bids through the gateway contract,
    submits moves as transactions, follows the opponent's moves from contract
    events and serves a small local API and websocket for the UI.

USAGE:
    dmnk [OPTIONS]

OPTIONS:
    -h, --help    Show this help message

CONFIGURATION:
    The client is configured via config.yaml in the current directory or in
    ./config, overridden by DMNK_* environment variables
    (e.g. DMNK_CHAIN_GATEWAY_ADDRESS).

    Example config.yaml:
        server:
          host: localhost
          port: 8080
          static_dir: ./web/static

        chain:
          rpc_url: https://api.s0.b.hmny.io
          ws_url: wss://ws.s0.b.hmny.io
          chain_id: 1666700000
          gateway_address: "0x..."
          gas_limit: 10000000
          gas_price: "100000000000"
          receipt_timeout: 2m

        board:
          width: 20
          height: 20

        wallet:
          keystore_dir: ./data/keystore

        store:
          path: ./data/dmnk.db

        development:
          debug: false
          log_level: info

API ENDPOINTS:
    GET  /api/health            - Service health check
    GET  /api/wallet            - Wallet status and balance
    POST /api/wallet            - Create the wallet {passphrase}
    POST /api/wallet/unlock     - Unlock the wallet, returns a session token
    POST /api/wallet/lock       - Lock the wallet
    GET  /api/games             - Games in the local address book
    GET  /api/game              - Current game snapshot
    POST /api/game/play         - Look for a game {bid, rangeFrom, rangeTo}
    POST /api/game/cancel       - Cancel the pending game
    POST /api/game/moves        - Claim a cell {x, y}
    POST /api/game/turn         - Ask the contract whose turn it is
    GET  /ws?token=...          - Snapshot stream

EXAMPLES:
    # Start with default configuration
    dmnk

    # Unlock and look for a game
    curl -X POST http://localhost:8080/api/wallet/unlock \
      -d '{"passphrase": "..."}'
    curl -X POST http://localhost:8080/api/game/play \
      -H "Authorization: Bearer $TOKEN" \
      -d '{"bid": "1000000000000000000", "rangeFrom": "0", "rangeTo": "2000000000000000000"}'`)
}
