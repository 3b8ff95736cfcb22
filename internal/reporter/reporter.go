package reporter

import (
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"dex-keeper-go/internal/models"
	"dex-keeper-go/internal/pricemodel"
	"dex-keeper-go/internal/storage"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
)

// LowBalance is the native balance under which diagnostics print a warning.
var LowBalance = decimal.RequireFromString("0.1")

// Board is everything the periodic price board shows.
type Board struct {
	Stats    []pricemodel.Stats
	GasPrice *big.Int
	Errors   []models.ErrorEntry
	Paused   bool
	Counters models.Counters
	Window   int
	Now      time.Time
}

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(title)
	t.SetStyle(table.StyleLight)
	return t
}

// PriceBoard renders the feeder's board: prices, gas, counters and the recent error log.
func PriceBoard(w io.Writer, b Board) {
	if b.Paused {
		fmt.Fprintln(w, "*** SYSTEM PAUSED: price updates are deferred until unpause ***")
	}

	t := newTable(w, fmt.Sprintf("Prices @ %s", b.Now.Format("2006-01-02 15:04:05")))
	t.AppendHeader(table.Row{"Symbol", "Price", "Change %", fmt.Sprintf("Min (%d)", b.Window), fmt.Sprintf("Max (%d)", b.Window)})
	for _, s := range b.Stats {
		t.AppendRow(table.Row{s.Symbol, s.Current.String(), signed(s.ChangePct), s.Min.String(), s.Max.String()})
	}
	t.AppendFooter(table.Row{"Gas", gwei(b.GasPrice), "", "Published", b.Counters.Published})
	t.Render()

	if len(b.Errors) == 0 {
		return
	}
	e := newTable(w, "Recent errors")
	e.AppendHeader(table.Row{"Time", "Context", "Message"})
	for _, entry := range b.Errors {
		e.AppendRow(table.Row{entry.Time.Format("15:04:05"), entry.Context, truncate(entry.Message, 80)})
	}
	e.Render()
}

// Diagnostics renders the account snapshot and warns when the native balance is low.
func Diagnostics(w io.Writer, d *models.Diagnostics) {
	t := newTable(w, "Account diagnostics")
	t.AppendRows([]table.Row{
		{"Account", d.Account.Hex()},
		{"Native balance", d.NativeBalance.String()},
		{"Pool balance", d.PoolBalance.String()},
		{"Nonce", d.Nonce},
		{"Router version", d.RouterVersion},
		{"Paused", d.Paused},
	})
	for _, sym := range d.Symbols() {
		t.AppendRow(table.Row{sym + " balance", d.TokenBalances[sym].String()})
	}
	t.Render()
	if d.NativeBalance.LessThan(LowBalance) {
		fmt.Fprintf(w, "WARNING: native balance %s is below %s, submissions may fail\n", d.NativeBalance, LowBalance)
	}
}

// Journal renders recent submission journal rows, newest first.
func Journal(w io.Writer, entries []storage.Entry) {
	t := newTable(w, "Recent submissions")
	t.AppendHeader(table.Row{"Time", "Loop", "Op", "Item", "Nonce", "Gas (gwei)", "Outcome", "Action", "Tx"})
	for _, e := range entries {
		gas, _ := new(big.Int).SetString(e.GasPrice, 10)
		t.AppendRow(table.Row{e.CreatedAt.Format("01-02 15:04:05"), e.Loop, e.Op, e.Item, e.Nonce, gwei(gas), e.Outcome, e.Action, short(e.TxHash)})
	}
	if len(entries) == 0 {
		t.AppendRow(table.Row{"-", "", "", "", "", "", "", "", ""})
	}
	t.Render()
}

// Prices renders the ledger's current oracle prices next to an optional simulation result.
func Prices(w io.Writer, prices map[string]decimal.Decimal, symbols []string, simulated map[string]string) {
	t := newTable(w, "Ledger prices")
	t.AppendHeader(table.Row{"Symbol", "Price", "Pre-flight update"})
	for _, sym := range symbols {
		p, ok := prices[sym]
		price := "n/a"
		if ok {
			price = p.String()
		}
		t.AppendRow(table.Row{sym, price, simulated[sym]})
	}
	t.Render()
}

func gwei(wei *big.Int) string {
	if wei == nil {
		return "n/a"
	}
	return decimal.NewFromBigInt(wei, -9).StringFixed(3)
}

func signed(d decimal.Decimal) string {
	if d.IsPositive() {
		return "+" + d.StringFixed(2)
	}
	return d.StringFixed(2)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func short(hash string) string {
	if len(hash) <= 14 {
		return hash
	}
	return hash[:10] + ".." + hash[len(hash)-4:]
}
