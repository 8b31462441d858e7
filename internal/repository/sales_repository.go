package repository

import (
	"context"
	"fmt"
	"math"

	"github.com/rpattn/retailingest/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

type salesRepository struct {
	tx TxRunner
}

// NewSalesRepository wires the business entity store. Every batch runs in
// its own transaction obtained from tx.
func NewSalesRepository(tx TxRunner) SalesRepository {
	return &salesRepository{tx: tx}
}

// billGroup collects the lines that share a bill number within a batch.
type billGroup struct {
	header domain.SaleRow
	lines  []domain.SaleRow
}

func (r *salesRepository) CommitBatch(ctx context.Context, tenantID uuid.UUID, batch domain.SaleBatch) (domain.BatchResult, error) {
	if r.tx == nil {
		return domain.BatchResult{}, fmt.Errorf("sales repository not initialized")
	}
	if len(batch.Rows) == 0 {
		return domain.BatchResult{}, nil
	}

	bills := groupBills(batch.Rows)
	var result domain.BatchResult

	err := r.tx.WithTx(ctx, func(tx pgx.Tx) error {
		result = domain.BatchResult{}
		storeIDs := map[string]uuid.UUID{}
		customerIDs := map[string]uuid.UUID{}

		for _, bill := range bills {
			storeID, ok := storeIDs[bill.header.StoreName]
			if !ok {
				id, err := upsertStore(ctx, tx, tenantID, bill.header.StoreName)
				if err != nil {
					return err
				}
				storeIDs[bill.header.StoreName] = id
				storeID = id
				result.Stores++
			}

			customerID, ok := customerIDs[bill.header.MobileNo]
			if !ok {
				id, err := upsertCustomer(ctx, tx, tenantID, bill.header)
				if err != nil {
					return err
				}
				customerIDs[bill.header.MobileNo] = id
				customerID = id
				result.Customers++
			}

			continued := batch.Continued[bill.header.BillNo]
			billID, err := upsertBill(ctx, tx, tenantID, storeID, customerID, bill, continued)
			if err != nil {
				return err
			}
			result.Bills++

			if err := writeBillLines(ctx, tx, billID, bill.lines, continued); err != nil {
				return err
			}
			result.BillLines += len(bill.lines)
		}
		return nil
	})
	if err != nil {
		return domain.BatchResult{}, err
	}
	return result, nil
}

// groupBills groups rows by bill number, preserving first-seen order. The
// first row of a bill supplies its header fields.
func groupBills(rows []domain.SaleRow) []billGroup {
	index := map[string]int{}
	groups := []billGroup{}
	for _, row := range rows {
		pos, ok := index[row.BillNo]
		if !ok {
			index[row.BillNo] = len(groups)
			groups = append(groups, billGroup{header: row, lines: []domain.SaleRow{row}})
			continue
		}
		groups[pos].lines = append(groups[pos].lines, row)
	}
	return groups
}

// netAmount is the explicit bill net amount when any line carries one,
// otherwise the sum of line amounts. explicit reports which case applied.
func (b billGroup) netAmount() (amount float64, explicit bool) {
	for _, line := range b.lines {
		if line.NetAmount != nil {
			return *line.NetAmount, true
		}
	}
	total := 0.0
	for _, line := range b.lines {
		total += line.Amount
	}
	return math.Round(total*100) / 100, false
}

func upsertStore(ctx context.Context, tx pgx.Tx, tenantID uuid.UUID, name string) (uuid.UUID, error) {
	var id uuid.UUID
	err := tx.QueryRow(
		ctx,
		`INSERT INTO stores (tenant_id, store_name)
		 VALUES ($1, $2)
		 ON CONFLICT (tenant_id, store_name) DO UPDATE SET updated_at = now()
		 RETURNING id`,
		tenantID,
		name,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to upsert store %q: %w", name, err)
	}
	return id, nil
}

func upsertCustomer(ctx context.Context, tx pgx.Tx, tenantID uuid.UUID, row domain.SaleRow) (uuid.UUID, error) {
	var id uuid.UUID
	err := tx.QueryRow(
		ctx,
		`INSERT INTO customers (tenant_id, mobile_no, name, address, customer_type)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant_id, mobile_no) DO UPDATE SET
		   name = EXCLUDED.name,
		   address = COALESCE(EXCLUDED.address, customers.address),
		   customer_type = COALESCE(EXCLUDED.customer_type, customers.customer_type),
		   updated_at = now()
		 RETURNING id`,
		tenantID,
		row.MobileNo,
		row.CustomerName,
		optionalText(row.Address),
		optionalText(row.CustomerType),
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to upsert customer %q: %w", row.MobileNo, err)
	}
	return id, nil
}

// upsertBill creates or updates a bill by number. A continuation from an
// earlier batch with no explicit net amount adds its line total to the
// stored amount, unless an earlier batch already gave an explicit net.
func upsertBill(ctx context.Context, tx pgx.Tx, tenantID, storeID, customerID uuid.UUID, bill billGroup, continued bool) (uuid.UUID, error) {
	net, explicit := bill.netAmount()

	var id uuid.UUID
	err := tx.QueryRow(
		ctx,
		`INSERT INTO bills (tenant_id, bill_no, bill_date, net_amount, net_explicit, store_id, customer_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (tenant_id, bill_no) DO UPDATE SET
		   bill_date = EXCLUDED.bill_date,
		   net_amount = CASE
		     WHEN NOT $8::boolean OR EXCLUDED.net_explicit THEN EXCLUDED.net_amount
		     WHEN bills.net_explicit THEN bills.net_amount
		     ELSE bills.net_amount + EXCLUDED.net_amount
		   END,
		   net_explicit = CASE
		     WHEN $8::boolean THEN bills.net_explicit OR EXCLUDED.net_explicit
		     ELSE EXCLUDED.net_explicit
		   END,
		   store_id = EXCLUDED.store_id,
		   customer_id = EXCLUDED.customer_id,
		   updated_at = now()
		 RETURNING id`,
		tenantID,
		bill.header.BillNo,
		pgtype.Date{Time: bill.header.BillDate, Valid: true},
		net,
		explicit,
		storeID,
		customerID,
		continued,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to upsert bill %q: %w", bill.header.BillNo, err)
	}
	return id, nil
}

// writeBillLines replaces the bill's lines with the uploaded ones so that a
// re-uploaded bill does not accumulate duplicates. Continued bills append
// after the lines written earlier in the same run.
func writeBillLines(ctx context.Context, tx pgx.Tx, billID uuid.UUID, lines []domain.SaleRow, continued bool) error {
	offset := 0
	if continued {
		if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(line_no), 0) FROM bill_lines WHERE bill_id = $1`, billID).Scan(&offset); err != nil {
			return fmt.Errorf("failed to read bill lines: %w", err)
		}
	} else if _, err := tx.Exec(ctx, `DELETE FROM bill_lines WHERE bill_id = $1`, billID); err != nil {
		return fmt.Errorf("failed to clear bill lines: %w", err)
	}

	batch := &pgx.Batch{}
	for idx, line := range lines {
		batch.Queue(
			`INSERT INTO bill_lines (bill_id, line_no, item, quantity, rate, amount)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			billID,
			offset+idx+1,
			line.Item,
			line.Quantity,
			line.Rate,
			line.Amount,
		)
	}
	results := tx.SendBatch(ctx, batch)
	for range lines {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("failed to insert bill line: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to insert bill lines: %w", err)
	}
	return nil
}

func optionalText(value string) pgtype.Text {
	if value == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: value, Valid: true}
}
