package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HeadWatcher follows new block heads over an eth_subscribe websocket.
type HeadWatcher struct {
	url    string
	logger *zap.Logger

	mu      sync.Mutex
	latest  uint64
	changed chan struct{}
}

// NewHeadWatcher creates a watcher; nothing is dialled until Run.
func NewHeadWatcher(url string, logger *zap.Logger) *HeadWatcher {
	return &HeadWatcher{url: url, logger: logger, changed: make(chan struct{})}
}

// Run keeps the subscription alive until ctx is cancelled, reconnecting with backoff.
func (h *HeadWatcher) Run(ctx context.Context) {
	attempt := 0
	for ctx.Err() == nil {
		err := h.subscribe(ctx)
		if ctx.Err() != nil {
			return
		}
		wait := Backoff(attempt)
		h.logger.Warn("Head subscription dropped, reconnecting",
			zap.Error(err), zap.Duration("backoff", wait))
		attempt++
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (h *HeadWatcher) subscribe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, h.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params":  []string{"newHeads"},
	}
	if err := conn.WriteJSON(req); err != nil {
		return err
	}
	h.logger.Info("Subscribed to new heads", zap.String("url", h.url))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if n, ok := parseHead(msg); ok {
			h.observe(n)
		}
	}
}

// parseHead extracts the block number from an eth_subscription notification.
func parseHead(msg []byte) (uint64, bool) {
	var note struct {
		Method string `json:"method"`
		Params struct {
			Result struct {
				Number string `json:"number"`
			} `json:"result"`
		} `json:"params"`
	}
	if err := json.Unmarshal(msg, &note); err != nil || note.Method != "eth_subscription" {
		return 0, false
	}
	n, err := hexutil.DecodeUint64(note.Params.Result.Number)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (h *HeadWatcher) observe(n uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= h.latest {
		return
	}
	h.latest = n
	close(h.changed)
	h.changed = make(chan struct{})
}

// Latest returns the highest block number seen so far.
func (h *HeadWatcher) Latest() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest
}

// WaitForNewer blocks until a head above than is observed.
func (h *HeadWatcher) WaitForNewer(ctx context.Context, than uint64) (uint64, error) {
	for {
		h.mu.Lock()
		latest, ch := h.latest, h.changed
		h.mu.Unlock()
		if latest > than {
			return latest, nil
		}
		select {
		case <-ctx.Done():
			return latest, ctx.Err()
		case <-ch:
		}
	}
}
