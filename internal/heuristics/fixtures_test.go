package heuristics

import (
	"fmt"
	"time"

	"github.com/afrid0126/Moneymuling/pkg/models"
)

var baseTime = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

type txBuilder struct {
	seq int
	txs []models.Transaction
}

// add appends a transfer offset from baseTime and returns the builder.
func (b *txBuilder) add(from, to string, amount float64, offset time.Duration) *txBuilder {
	b.seq++
	b.txs = append(b.txs, models.Transaction{
		TransactionID: fmt.Sprintf("TX%04d", b.seq),
		SenderID:      from,
		ReceiverID:    to,
		Amount:        amount,
		Timestamp:     baseTime.Add(offset),
	})
	return b
}

func (b *txBuilder) build() []models.Transaction {
	return b.txs
}

// roundTrip is a clean three-account cycle: amounts decay slowly, all hops
// inside a few hours, no structured amounts.
func roundTrip(b *txBuilder) *txBuilder {
	return b.
		add("ACC_A", "ACC_B", 10250, 0).
		add("ACC_B", "ACC_C", 9120, 2*time.Hour).
		add("ACC_C", "ACC_A", 8430, 4*time.Hour)
}

// fanIn sends from n distinct senders into hub, one per step.
func fanIn(b *txBuilder, hub, prefix string, n int, step time.Duration) *txBuilder {
	for i := 0; i < n; i++ {
		b.add(fmt.Sprintf("%s%02d", prefix, i), hub, 510+float64(i)*173, time.Duration(i)*step)
	}
	return b
}

// shellLayering routes R1 → S1 → S2 → S3 → R2, with both endpoints
// otherwise active so they count as real accounts.
func shellLayering(b *txBuilder) *txBuilder {
	b.add("X1", "R1", 2310, 0).
		add("X2", "R1", 1875, time.Hour).
		add("X3", "R1", 2640, 2*time.Hour).
		add("R1", "S1", 6420, 3*time.Hour).
		add("S1", "S2", 6390, 4*time.Hour).
		add("S2", "S3", 6350, 5*time.Hour).
		add("S3", "R2", 6310, 6*time.Hour).
		add("R2", "Y1", 2105, 7*time.Hour).
		add("R2", "Y2", 2060, 8*time.Hour).
		add("R2", "Y3", 2145, 9*time.Hour)
	return b
}
