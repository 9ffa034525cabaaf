package queue

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// receipts tracks the unacknowledged deliveries of a JetStream consumer by
// stream sequence. A redelivery replaces the receipt of the previous
// delivery, and deliveries the server has long since given up on are
// pruned.
type receipts struct {
	mu     sync.Mutex
	maxAge time.Duration
	bySeq  map[uint64]delivery
}

type delivery struct {
	msg       jetstream.Msg
	delivered uint64
	at        time.Time
}

func newReceipts(ackWait time.Duration) *receipts {
	return &receipts{maxAge: 2 * ackWait, bySeq: make(map[uint64]delivery)}
}

func (r *receipts) add(msg jetstream.Msg, seq, delivered uint64, now time.Time) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySeq[seq] = delivery{msg: msg, delivered: delivered, at: now}
	return formatReceipt(seq, delivered)
}

// take removes the delivery a receipt names. Receipts of earlier deliveries
// of the same message are stale.
func (r *receipts) take(receipt string) (jetstream.Msg, error) {
	seq, delivered, ok := parseReceipt(receipt)
	if !ok {
		return nil, fmt.Errorf("malformed receipt %q", receipt)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.bySeq[seq]
	if !ok || d.delivered != delivered {
		return nil, fmt.Errorf("unknown or stale receipt %q", receipt)
	}
	delete(r.bySeq, seq)
	return d.msg, nil
}

func (r *receipts) prune(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for seq, d := range r.bySeq {
		if now.Sub(d.at) > r.maxAge {
			delete(r.bySeq, seq)
		}
	}
}

func (r *receipts) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySeq)
}

func formatReceipt(seq, delivered uint64) string {
	return strconv.FormatUint(seq, 10) + "/" + strconv.FormatUint(delivered, 10)
}

func parseReceipt(receipt string) (seq, delivered uint64, ok bool) {
	a, b, found := strings.Cut(receipt, "/")
	if !found {
		return 0, 0, false
	}
	seq, err := strconv.ParseUint(a, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	delivered, err = strconv.ParseUint(b, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return seq, delivered, true
}
