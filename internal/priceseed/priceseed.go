package priceseed

import (
	"context"
	"fmt"

	"dex-keeper-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Source returns spot prices keyed by exchange symbol (e.g. "ETHUSDT").
type Source interface {
	Prices(ctx context.Context, symbols []string) (map[string]string, error)
}

// BinanceSource reads public spot tickers; no API key is needed.
type BinanceSource struct {
	client *binance.Client
}

// NewBinanceSource creates a source against the public Binance API.
func NewBinanceSource() *BinanceSource {
	return &BinanceSource{client: binance.NewClient("", "")}
}

func (b *BinanceSource) Prices(ctx context.Context, symbols []string) (map[string]string, error) {
	res, err := b.client.NewListPricesService().Symbols(symbols).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	out := make(map[string]string, len(res))
	for _, p := range res {
		out[p.Symbol] = p.Price
	}
	return out, nil
}

// Resolve returns a positive seed for every symbol. initial_prices is the base; with
// seed_source "binance" the symbols naming a binance_symbol are overwritten from src.
// A failing remote source only logs, so the feeder can still start from config.
func Resolve(ctx context.Context, cfg *models.Config, symbols []string, src Source, logger *zap.Logger) (map[string]decimal.Decimal, error) {
	seeds := make(map[string]decimal.Decimal, len(symbols))
	for _, sym := range symbols {
		raw, ok := cfg.InitialPrices[sym]
		if !ok {
			continue
		}
		d, err := decimal.NewFromString(raw)
		if err != nil || !d.IsPositive() {
			return nil, fmt.Errorf("initial price of %s is invalid: %q", sym, raw)
		}
		seeds[sym] = d
	}

	if cfg.Feeder.SeedSource == "binance" && src != nil {
		remote := remoteSymbols(cfg, symbols)
		if len(remote) > 0 {
			overlay(ctx, seeds, remote, src, logger)
		}
	}

	for _, sym := range symbols {
		if _, ok := seeds[sym]; !ok {
			return nil, fmt.Errorf("no seed price for %s", sym)
		}
	}
	return seeds, nil
}

// remoteSymbols maps exchange symbol -> agent symbol for every symbol that has one.
func remoteSymbols(cfg *models.Config, symbols []string) map[string]string {
	out := make(map[string]string)
	for _, sym := range symbols {
		if t, ok := cfg.Tokens[sym]; ok && t.BinanceSymbol != "" {
			out[t.BinanceSymbol] = sym
		}
	}
	return out
}

func overlay(ctx context.Context, seeds map[string]decimal.Decimal, remote map[string]string, src Source, logger *zap.Logger) {
	names := make([]string, 0, len(remote))
	for name := range remote {
		names = append(names, name)
	}
	prices, err := src.Prices(ctx, names)
	if err != nil {
		logger.Warn("Seed price lookup failed, using configured initial prices", zap.Error(err))
		return
	}
	for name, sym := range remote {
		raw, ok := prices[name]
		if !ok {
			logger.Warn("No ticker for symbol", zap.String("symbol", sym), zap.String("ticker", name))
			continue
		}
		d, err := decimal.NewFromString(raw)
		if err != nil || !d.IsPositive() {
			logger.Warn("Ignoring bad ticker price", zap.String("symbol", sym), zap.String("price", raw))
			continue
		}
		seeds[sym] = d.Round(6)
		logger.Info("Seeded price from ticker", zap.String("symbol", sym), zap.String("price", seeds[sym].String()))
	}
}
