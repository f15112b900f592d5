package banano

import (
	"encoding/json"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/gorilla/websocket"

	"github.com/wbanano/wban-bridge/params"
)

// Deposit is one confirmed send into the hot wallet. Amount is in ledger
// base units and Account is the depositor.
type Deposit struct {
	Account     string
	Amount      *big.Int
	Hash        string
	TimestampMs int64
}

var (
	depositSeenMeter = metrics.NewRegisteredMeter("bridge/banano/deposits", nil)
	reconnectMeter   = metrics.NewRegisteredMeter("bridge/banano/reconnects", nil)
)

// maxReconnectDelay caps the watcher's backoff between dial attempts.
const maxReconnectDelay = time.Minute

// DepositWatcher subscribes to the node's confirmation topic filtered to
// the hot wallet and publishes deposits on an event feed. The websocket is
// redialed with capped backoff; deposits confirmed while disconnected are
// not replayed here, the ingestor's idempotent store absorbs any overlap
// from operator-triggered rescans.
type DepositWatcher struct {
	wsURL     string
	hotWallet string
	feed      event.Feed
	scope     event.SubscriptionScope
	log       log.Logger

	quit chan struct{}
	done chan struct{}
}

// NewDepositWatcher creates a watcher for the config's hot wallet.
func NewDepositWatcher(cfg Config) *DepositWatcher {
	return &DepositWatcher{
		wsURL:     cfg.WSURL,
		hotWallet: cfg.HotWallet,
		log:       log.New("module", "banano", "watch", cfg.HotWallet),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// SubscribeDeposits registers a deposit sink. The subscription is closed by
// Stop.
func (w *DepositWatcher) SubscribeDeposits(ch chan<- Deposit) event.Subscription {
	return w.scope.Track(w.feed.Subscribe(ch))
}

// Start begins consuming confirmations in a background goroutine.
func (w *DepositWatcher) Start() {
	go w.loop()
	w.log.Info("Deposit watcher started", "endpoint", w.wsURL)
}

// Stop shuts the watcher down and closes all subscriptions.
func (w *DepositWatcher) Stop() {
	close(w.quit)
	<-w.done
	w.scope.Close()
	w.log.Info("Deposit watcher stopped")
}

func (w *DepositWatcher) loop() {
	defer close(w.done)
	delay := time.Second
	for {
		select {
		case <-w.quit:
			return
		default:
		}
		if err := w.consume(); err != nil {
			w.log.Warn("Confirmation stream lost", "err", err, "redial", delay)
		}
		reconnectMeter.Mark(1)
		select {
		case <-w.quit:
			return
		case <-time.After(delay):
		}
		if delay *= 2; delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// consume dials the node, subscribes and relays confirmations until the
// connection breaks or the watcher stops.
func (w *DepositWatcher) consume() error {
	conn, _, err := websocket.DefaultDialer.Dial(w.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	subscribe := map[string]interface{}{
		"action": "subscribe",
		"topic":  "confirmation",
		"options": map[string]interface{}{
			"accounts": []string{w.hotWallet},
		},
	}
	if err := conn.WriteJSON(subscribe); err != nil {
		return err
	}
	w.log.Debug("Confirmation stream open")

	for {
		select {
		case <-w.quit:
			return nil
		default:
		}
		var msg confirmationMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		w.handle(&msg)
	}
}

// confirmationMessage is the node's confirmation topic payload, reduced to
// the fields the watcher reads.
type confirmationMessage struct {
	Topic   string `json:"topic"`
	Time    string `json:"time"` // unix ms
	Message struct {
		Account string `json:"account"`
		Amount  string `json:"amount"` // raw
		Hash    string `json:"hash"`
		Block   struct {
			Subtype       string `json:"subtype"`
			LinkAsAccount string `json:"link_as_account"`
		} `json:"block"`
	} `json:"message"`
}

// handle publishes sends whose destination is the hot wallet. Everything
// else on the topic (receives, the hot wallet's own sends) is ignored.
func (w *DepositWatcher) handle(msg *confirmationMessage) {
	if msg.Topic != "confirmation" || msg.Message.Block.Subtype != "send" {
		return
	}
	if msg.Message.Block.LinkAsAccount != w.hotWallet {
		return
	}
	raw, ok := new(big.Int).SetString(msg.Message.Amount, 10)
	if !ok {
		w.log.Error("Confirmation carries corrupt amount", "hash", msg.Message.Hash, "amount", msg.Message.Amount)
		return
	}
	when, err := strconv.ParseInt(msg.Time, 10, 64)
	if err != nil {
		when = time.Now().UnixMilli()
	}
	deposit := Deposit{
		Account:     msg.Message.Account,
		Amount:      params.RawToBAN(raw),
		Hash:        msg.Message.Hash,
		TimestampMs: when,
	}
	depositSeenMeter.Mark(1)
	w.log.Info("Deposit confirmed", "from", deposit.Account, "amount", params.FormatBAN(deposit.Amount), "hash", deposit.Hash)
	w.feed.Send(deposit)
}

// decodeConfirmation parses one raw topic frame. Split out for tests.
func decodeConfirmation(raw []byte) (*confirmationMessage, error) {
	var msg confirmationMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
