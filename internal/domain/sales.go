package domain

import "time"

// SaleRow is one accepted spreadsheet row normalized into business fields.
type SaleRow struct {
	RowIndex     int
	BillNo       string
	BillDate     time.Time
	CustomerName string
	MobileNo     string
	Address      string
	CustomerType string
	StoreName    string
	Item         string
	Quantity     int64
	Rate         *float64
	Amount       float64
	NetAmount    *float64
}

// BatchResult summarizes what a committed batch touched.
type BatchResult struct {
	Stores    int
	Customers int
	Bills     int
	BillLines int
}

// SaleBatch is a group of accepted rows committed in one transaction.
// Continued lists bill numbers already committed by an earlier batch of
// the same run; their lines are appended instead of replaced.
type SaleBatch struct {
	Index     int
	Rows      []SaleRow
	Continued map[string]bool
}
