package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/afrid0126/Moneymuling/pkg/models"
)

// RequiredColumns lists the CSV header every upload must carry.
var RequiredColumns = []string{"transaction_id", "sender_id", "receiver_id", "amount", "timestamp"}

var (
	ErrNoTransactions = errors.New("no valid transactions found; required columns: " + strings.Join(RequiredColumns, ", "))
	ErrInvalidHeader  = errors.New("invalid csv header")
	ErrInvalidRow     = errors.New("invalid transaction row")
)

// maxReportedErrors caps how many row errors a ParseResult keeps.
const maxReportedErrors = 20

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

var validate = validator.New()

// RowError describes one rejected input row. Line is 1-based and counts the
// header, so it matches what a spreadsheet shows.
type RowError struct {
	Line   int    `json:"line"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *RowError) Error() string {
	return fmt.Sprintf("line %d: %s: %s", e.Line, e.Field, e.Reason)
}

func (e *RowError) Unwrap() error { return ErrInvalidRow }

// ParseResult is the outcome of reading one upload
type ParseResult struct {
	Transactions []models.Transaction `json:"-"`
	Skipped      int                  `json:"skipped"`
	Errors       []*RowError          `json:"errors,omitempty"` // First maxReportedErrors only
}

func (r *ParseResult) reject(err *RowError) {
	r.Skipped++
	if len(r.Errors) < maxReportedErrors {
		r.Errors = append(r.Errors, err)
	}
}

// ParseCSV reads a transaction CSV. Columns may appear in any order and
// extra columns are ignored. Malformed rows are skipped and reported; a file
// without a single valid row fails with ErrNoTransactions.
func ParseCSV(r io.Reader) (*ParseResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoTransactions
	}
	if err != nil {
		var pe *csv.ParseError
		if !errors.As(err, &pe) {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	columns, err := indexColumns(header)
	if err != nil {
		return nil, err
	}

	result := &ParseResult{}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Only syntax errors are row-local; a failing reader is not
			var pe *csv.ParseError
			if !errors.As(err, &pe) {
				return nil, fmt.Errorf("read csv: %w", err)
			}
			result.reject(&RowError{Line: pe.StartLine, Field: "row", Reason: err.Error()})
			continue
		}
		line, _ := reader.FieldPos(0)
		if isBlank(record) {
			continue
		}

		tx, rowErr := parseRecord(record, columns, line)
		if rowErr != nil {
			result.reject(rowErr)
			continue
		}
		result.Transactions = append(result.Transactions, tx)
	}

	if len(result.Transactions) == 0 {
		return result, ErrNoTransactions
	}
	return result, nil
}

// Validate applies the row rules to transactions that arrived already
// decoded, e.g. as JSON. Invalid entries are dropped and reported.
func Validate(txs []models.Transaction) (*ParseResult, error) {
	result := &ParseResult{Transactions: make([]models.Transaction, 0, len(txs))}
	for i, tx := range txs {
		tx.TransactionID = strings.TrimSpace(tx.TransactionID)
		tx.SenderID = strings.TrimSpace(tx.SenderID)
		tx.ReceiverID = strings.TrimSpace(tx.ReceiverID)
		if rowErr := validateTransaction(tx, i+1); rowErr != nil {
			result.reject(rowErr)
			continue
		}
		result.Transactions = append(result.Transactions, tx)
	}
	if len(result.Transactions) == 0 {
		return result, ErrNoTransactions
	}
	return result, nil
}

func indexColumns(header []string) (map[string]int, error) {
	columns := make(map[string]int, len(header))
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, dup := columns[key]; !dup {
			columns[key] = i
		}
	}

	var missing []string
	for _, col := range RequiredColumns {
		if _, ok := columns[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing columns %s", ErrInvalidHeader, strings.Join(missing, ", "))
	}
	return columns, nil
}

func parseRecord(record []string, columns map[string]int, line int) (models.Transaction, *RowError) {
	field := func(name string) string {
		idx := columns[name]
		if idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	amount, err := ParseAmount(field("amount"))
	if err != nil {
		return models.Transaction{}, &RowError{Line: line, Field: "amount", Reason: err.Error()}
	}
	ts, err := ParseTimestamp(field("timestamp"))
	if err != nil {
		return models.Transaction{}, &RowError{Line: line, Field: "timestamp", Reason: err.Error()}
	}

	tx := models.Transaction{
		TransactionID: field("transaction_id"),
		SenderID:      field("sender_id"),
		ReceiverID:    field("receiver_id"),
		Amount:        amount.InexactFloat64(),
		Timestamp:     ts,
	}
	if rowErr := validateTransaction(tx, line); rowErr != nil {
		return models.Transaction{}, rowErr
	}
	return tx, nil
}

func validateTransaction(tx models.Transaction, line int) *RowError {
	err := validate.Struct(tx)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &RowError{Line: line, Field: jsonFieldName(fe.Field()), Reason: "failed " + fe.Tag() + " check"}
	}
	return &RowError{Line: line, Field: "row", Reason: err.Error()}
}

func jsonFieldName(goName string) string {
	switch goName {
	case "TransactionID":
		return "transaction_id"
	case "SenderID":
		return "sender_id"
	case "ReceiverID":
		return "receiver_id"
	case "Amount":
		return "amount"
	case "Timestamp":
		return "timestamp"
	}
	return goName
}

// ParseAmount reads a non-negative decimal amount. Thousands separators and
// a leading currency symbol are tolerated.
func ParseAmount(raw string) (decimal.Decimal, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	cleaned = strings.TrimLeft(cleaned, "$€£")
	if cleaned == "" {
		return decimal.Zero, errors.New("empty amount")
	}
	amount, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("not a number: %q", raw)
	}
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative amount: %s", amount)
	}
	return amount, nil
}

// ParseTimestamp accepts RFC 3339, the common SQL-style layouts, and unix
// seconds. Layouts without a zone are read as UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
