package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/afrid0126/Moneymuling/pkg/models"
)

// Fingerprint hashes the batch content in order. Identical uploads share a
// fingerprint, which keys the report cache.
func Fingerprint(txs []models.Transaction) string {
	h := sha256.New()
	buf := make([]byte, 0, 128)
	for _, tx := range txs {
		buf = buf[:0]
		buf = append(buf, tx.TransactionID...)
		buf = append(buf, 0)
		buf = append(buf, tx.SenderID...)
		buf = append(buf, 0)
		buf = append(buf, tx.ReceiverID...)
		buf = append(buf, 0)
		buf = strconv.AppendFloat(buf, tx.Amount, 'f', -1, 64)
		buf = append(buf, 0)
		buf = strconv.AppendInt(buf, tx.Timestamp.UnixMilli(), 10)
		buf = append(buf, '\n')
		h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil))
}
