package ingestion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rpattn/retailingest/internal/blob"
	"github.com/rpattn/retailingest/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const salesHeader = "Bill No,Date,Customer Name,Mobile,Store,Item,Qty,Amount\n"

func putFile(t *testing.T, store blob.Store, name string, content []byte) Job {
	t.Helper()
	tenantID := uuid.New()
	url, err := store.Put(context.Background(), blob.ObjectKey("uploads", tenantID, name), bytes.NewReader(content), blob.ContentTypeFor(name))
	require.NoError(t, err)
	return Job{UploadID: uuid.New(), TenantID: tenantID, FileName: name, FileURL: url}
}

func runEngine(t *testing.T, engine *Engine, job Job) (domain.IngestionStats, []int, error) {
	t.Helper()
	var progress []int
	stats, err := engine.Run(context.Background(), job, func(percent int) {
		progress = append(progress, percent)
	})
	return stats, progress, err
}

func distinctBills(n int) string {
	var b strings.Builder
	b.WriteString(salesHeader)
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "B%d,05/03/2024,Customer %d,98765%05d,Main,Soap,1,10\n", i, i, i)
	}
	return b.String()
}

func TestEngineRejectsRowMissingAmount(t *testing.T) {
	store := newFileStore(t)
	sales := &stubSales{}
	engine := NewEngine(store, sales, WithTempDir(t.TempDir()))

	job := putFile(t, store, "sales.csv", []byte(salesHeader+
		"B1,05/03/2024,Asha,9876543210,Main,Soap,2,40\n"+
		"B1,05/03/2024,Asha,9876543210,Main,Oil,1,\n"+
		"B2,05/03/2024,Ravi,9876500000,Main,Rice,5,250\n"))

	stats, progress, err := runEngine(t, engine, job)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.RowsTotal)
	assert.Equal(t, 2, stats.RowsAccepted)
	assert.Equal(t, 1, stats.RowsRejected)
	assert.Equal(t, []domain.RowRejection{{RowIndex: 2, Reason: "missing amount"}}, stats.Rejections)
	assert.Equal(t, []int{100}, progress)

	batches := sales.committed()
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Rows, 2)
	assert.Equal(t, "B1", batches[0].Rows[0].BillNo)
	assert.Equal(t, int64(2), batches[0].Rows[0].Quantity)
	assert.Equal(t, 40.0, batches[0].Rows[0].Amount)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), batches[0].Rows[0].BillDate)
	assert.Equal(t, 3, batches[0].Rows[1].RowIndex)
}

func TestEngineProgressIsMonotonicAndEndsAtHundred(t *testing.T) {
	store := newFileStore(t)
	sales := &stubSales{}
	engine := NewEngine(store, sales, WithBatchSize(2), WithTempDir(t.TempDir()))

	stats, progress, err := runEngine(t, engine, putFile(t, store, "sales.csv", []byte(distinctBills(10))))
	require.NoError(t, err)

	assert.Equal(t, 10, stats.RowsTotal)
	assert.Equal(t, stats.RowsTotal, stats.RowsAccepted+stats.RowsRejected)
	assert.Equal(t, []int{20, 40, 60, 80, 100}, progress)
	assert.Len(t, sales.committed(), 5)
}

func TestEngineKeepsBillsInOneBatch(t *testing.T) {
	store := newFileStore(t)
	sales := &stubSales{}
	engine := NewEngine(store, sales, WithBatchSize(2), WithTempDir(t.TempDir()))

	job := putFile(t, store, "sales.csv", []byte(salesHeader+
		"B1,05/03/2024,Asha,9876543210,Main,Soap,1,10\n"+
		"B1,05/03/2024,Asha,9876543210,Main,Oil,1,20\n"+
		"B1,05/03/2024,Asha,9876543210,Main,Rice,1,30\n"+
		"B2,05/03/2024,Ravi,9876500000,Main,Salt,1,5\n"))

	_, _, err := runEngine(t, engine, job)
	require.NoError(t, err)

	batches := sales.committed()
	require.Len(t, batches, 2)
	assert.Len(t, batches[0].Rows, 3)
	assert.Len(t, batches[1].Rows, 1)
	assert.Empty(t, batches[1].Continued)
}

func TestEngineMarksBillsContinuedFromEarlierBatch(t *testing.T) {
	store := newFileStore(t)
	sales := &stubSales{}
	engine := NewEngine(store, sales, WithBatchSize(2), WithTempDir(t.TempDir()))

	job := putFile(t, store, "sales.csv", []byte(salesHeader+
		"B1,05/03/2024,Asha,9876543210,Main,Soap,1,10\n"+
		"B2,05/03/2024,Ravi,9876500000,Main,Salt,1,5\n"+
		"B3,05/03/2024,Meena,9876511111,Main,Oil,1,20\n"+
		"B1,05/03/2024,Asha,9876543210,Main,Rice,1,30\n"))

	_, _, err := runEngine(t, engine, job)
	require.NoError(t, err)

	batches := sales.committed()
	require.Len(t, batches, 2)
	assert.Equal(t, map[string]bool{"B1": true}, batches[1].Continued)
}

func TestEngineMalformedFileFailsBeforeProgress(t *testing.T) {
	store := newFileStore(t)
	sales := &stubSales{}
	engine := NewEngine(store, sales, WithTempDir(t.TempDir()))

	cases := map[string][]byte{
		"missing-column.csv": []byte("Bill No,Date,Customer Name,Mobile,Store,Item,Qty\nB1,05/03/2024,Asha,9876543210,Main,Soap,1\n"),
		"garbage.xlsx":       []byte("this is not a zip archive"),
		"empty.csv":          []byte("\n\n"),
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, progress, err := runEngine(t, engine, putFile(t, store, name, content))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedFile), "got %v", err)
			assert.Empty(t, progress)
		})
	}
	assert.Empty(t, sales.committed())
}

func TestEngineStorageFailureKeepsEarlierBatches(t *testing.T) {
	store := newFileStore(t)
	sales := &stubSales{failAt: 2}
	engine := NewEngine(store, sales, WithBatchSize(2), WithTempDir(t.TempDir()))

	_, progress, err := runEngine(t, engine, putFile(t, store, "sales.csv", []byte(distinctBills(6))))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.Contains(t, err.Error(), "batch 2")

	assert.Len(t, sales.committed(), 1)
	assert.Equal(t, []int{33}, progress)
}

func TestEngineMissingBlob(t *testing.T) {
	store := newFileStore(t)
	engine := NewEngine(store, &stubSales{}, WithTempDir(t.TempDir()))

	job := Job{UploadID: uuid.New(), TenantID: uuid.New(), FileName: "sales.csv", FileURL: "file:///missing/sales.csv"}
	_, _, err := runEngine(t, engine, job)
	assert.ErrorIs(t, err, ErrStorage)
}

func TestEngineUnsupportedFormat(t *testing.T) {
	engine := NewEngine(newFileStore(t), &stubSales{})

	_, _, err := runEngine(t, engine, Job{FileName: "sales.pdf"})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestEngineCapsItemizedRejections(t *testing.T) {
	store := newFileStore(t)
	engine := NewEngine(store, &stubSales{}, WithMaxRejections(1), WithTempDir(t.TempDir()))

	job := putFile(t, store, "sales.csv", []byte(salesHeader+
		"B1,05/03/2024,Asha,123,Main,Soap,1,10\n"+
		"B2,05/03/2024,Ravi,9876500000,Main,Salt,0,5\n"))

	stats, _, err := runEngine(t, engine, job)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.RowsRejected)
	require.Len(t, stats.Rejections, 1)
	assert.Equal(t, 1, stats.Rejections[0].RowIndex)
	assert.Contains(t, stats.Rejections[0].Reason, "invalid mobile")
}

func TestEngineReadsWorkbook(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	rows := [][]any{
		{"Bill Number", "Bill Date", "Customer", "Mobile No", "Store Name", "Product", "Quantity", "Rate", "Amount", "Net Amount"},
		{"INV-7", 45356, "Asha", 9876543210, "Main", "Soap", 2, 20, 40, 90},
		{},
		{"INV-7", 45356, "Asha", 9876543210, "Main", "Oil", 1, 50, 50, 90},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	store := newFileStore(t)
	sales := &stubSales{}
	engine := NewEngine(store, sales, WithTempDir(t.TempDir()))

	stats, progress, err := runEngine(t, engine, putFile(t, store, "sales.xlsx", buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.RowsTotal)
	assert.Equal(t, 2, stats.RowsAccepted)
	assert.Equal(t, []int{100}, progress)

	batches := sales.committed()
	require.Len(t, batches, 1)
	first := batches[0].Rows[0]
	assert.Equal(t, "INV-7", first.BillNo)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), first.BillDate)
	assert.Equal(t, "9876543210", first.MobileNo)
	require.NotNil(t, first.NetAmount)
	assert.Equal(t, 90.0, *first.NetAmount)
	assert.Equal(t, 2, batches[0].Rows[1].RowIndex)
}

func TestCountDataRowsStopsWhenCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sales.csv")
	content := salesHeader +
		"B-1,2024-03-05,Asha,9000000001,Main,Paracetamol,1,10\n" +
		"B-2,2024-03-05,Asha,9000000001,Main,Bandage,1,5\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	total, err := countDataRows(context.Background(), path, formatCSV)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = countDataRows(ctx, path, formatCSV)
	assert.ErrorIs(t, err, context.Canceled)
}
