package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"paper-trading-core/internal/api"
	"paper-trading-core/internal/market"
	"paper-trading-core/internal/persistence"
	"paper-trading-core/internal/sentiment"
	"paper-trading-core/internal/signal"
	"paper-trading-core/pkg/config"
	"paper-trading-core/pkg/logger"
)

func appVersion() string {
	if v := os.Getenv("APP_VERSION"); v != "" {
		return v
	}
	return "v1.0-dev"
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serve := newServeCmd()
	root := &cobra.Command{
		Use:           "paper-trading-core",
		Short:         "Autonomous crypto paper-trading engine",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger.Setup(cfg.LogLevel, cfg.LogFormat)
			cmd.SetContext(withConfig(cmd.Context(), cfg))
			return nil
		},
		RunE: serve.RunE,
	}
	root.AddCommand(serve, newAnalyzeCmd(), newStatusCmd())
	return root
}

type configKey struct{}

func withConfig(ctx context.Context, cfg *config.Config) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, configKey{}, cfg)
}

func configFrom(cmd *cobra.Command) *config.Config {
	cfg, _ := cmd.Context().Value(configKey{}).(*config.Config)
	return cfg
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the trading loop and the HTTP control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configFrom(cmd))
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, stop := ossignal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("version", appVersion()).
		Strs("symbols", cfg.Symbols).
		Str("account", cfg.AccountID).
		Msg("🚀 Starting paper trading core")

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error().Err(err).Msg("shutdown errors")
		}
	}()
	a.runBackground(ctx)

	server := a.newServer(appVersion())
	defer server.Close()
	httpSrv := server.HTTPServer(":" + cfg.Port)

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("port", cfg.Port).Msg("HTTP server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	if cfg.GRPCHealthPort != "" {
		go func() {
			if err := api.ServeGRPCHealth(ctx, net.JoinHostPort("", cfg.GRPCHealthPort), a.loop); err != nil {
				errCh <- fmt.Errorf("grpc health: %w", err)
			}
		}()
	}

	if cfg.AutoStart {
		if err := a.loop.Start(ctx); err != nil {
			log.Error().Err(err).Msg("❌ auto start failed")
		}
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("❌ server failed")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	log.Info().Msg("🛑 Paper trading core stopped")
	return nil
}

func newAnalyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze SYMBOL",
		Short: "Print a one-off signal for SYMBOL with its reasons",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd)
			feed, _ := newMarket(cfg)
			src := sentiment.NewFearGreedClient(cfg.SentimentURL, cfg.SentimentTimeout, cfg.SentimentCacheTTL)
			return analyze(cmd.Context(), cmd.OutOrStdout(), cfg, feed, src, args[0])
		},
	}
}

func analyze(ctx context.Context, w io.Writer, cfg *config.Config, feed market.Feed, src sentiment.Source, symbol string) error {
	symbol = market.NormalizeSymbol(symbol)
	bars, err := feed.GetOHLCV(ctx, symbol, cfg.Timeframe, cfg.CandleLimit)
	if err != nil {
		return err
	}
	var idx *sentiment.Index
	if got, err := src.GetSentimentIndex(ctx); err == nil {
		idx = &got
	}
	printSignal(w, newGenerator(cfg).Generate(symbol, bars, idx))
	return nil
}

func printSignal(w io.Writer, sig signal.Signal) {
	fmt.Fprintf(w, "%s  %s  score %d  confidence %.2f  risk %s\n", sig.Symbol, sig.Class, sig.Score, sig.Confidence, sig.Risk)
	fmt.Fprintf(w, "price %.4f  sentiment %d\n", sig.Price, sig.Sentiment)
	if sig.StopLoss != nil && sig.TakeProfit != nil {
		fmt.Fprintf(w, "stop %.4f  take profit %.4f\n", *sig.StopLoss, *sig.TakeProfit)
	}
	for _, r := range sig.ReasonTexts() {
		fmt.Fprintf(w, "  - %s\n", r)
	}
}

func newStatusCmd() *cobra.Command {
	var account string
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the persisted balance, positions and recent trades of an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd)
			if account == "" {
				account = cfg.AccountID
			}
			if cfg.DBPath == memoryDBPath {
				return errors.New("status needs a persistent DB_PATH")
			}
			database, err := openDatabase(cfg.DBPath)
			if err != nil {
				return err
			}
			defer database.Close()
			return printStatus(cmd.Context(), cmd.OutOrStdout(), persistence.NewSQLiteStore(database), account, limit)
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account id (defaults to ACCOUNT_ID)")
	cmd.Flags().IntVar(&limit, "trades", 10, "number of recent trades to show")
	return cmd
}

func printStatus(ctx context.Context, w io.Writer, store *persistence.SQLiteStore, account string, limit int) error {
	state, err := store.LoadAccountState(ctx, account)
	if err != nil {
		return err
	}
	if !state.Found {
		fmt.Fprintf(w, "account %s has no persisted state\n", account)
		return nil
	}
	b := state.Balance
	fmt.Fprintf(w, "account %s\n", account)
	fmt.Fprintf(w, "cash %s  equity %s  realized %s\n", b.Cash.StringFixed(2), b.Equity().StringFixed(2), b.RealizedPnL.StringFixed(2))
	fmt.Fprintf(w, "closed trades %d  win rate %.1f%%  max drawdown %s%%\n",
		b.TotalTrades, b.WinRate(), b.MaxDrawdown.Mul(decimal.NewFromInt(100)).StringFixed(2))

	fmt.Fprintf(w, "\npositions (%d)\n", len(state.Positions))
	for _, p := range state.Positions {
		fmt.Fprintf(w, "  %-10s %-5s qty %s  entry %s  stop %.4f  target %.4f\n",
			p.Symbol, p.Side, p.Quantity.String(), p.AvgEntryPrice.StringFixed(4), p.Protection.StopLoss, p.Protection.TakeProfit)
	}

	trades, err := store.ListTrades(ctx, account, limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\nrecent trades\n")
	for _, t := range trades {
		line := fmt.Sprintf("  %s %-10s %-5s qty %s @ %s", t.OpenedAt.Format(time.DateTime), t.Symbol, t.Side, t.Quantity.String(), t.EntryPrice.StringFixed(4))
		if t.RealizedPnL != nil {
			line += fmt.Sprintf("  P&L %s (%s)", t.RealizedPnL.StringFixed(2), strings.ToLower(string(t.ExitReason)))
		}
		fmt.Fprintln(w, line)
	}
	return nil
}
