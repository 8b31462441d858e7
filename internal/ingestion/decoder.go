package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

type sheetFormat string

const (
	formatXLSX sheetFormat = "xlsx"
	formatCSV  sheetFormat = "csv"
)

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// detectFormat picks a decoder from the file extension.
func detectFormat(fileName string) (sheetFormat, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".xlsx", ".xlsm":
		return formatXLSX, nil
	case ".csv":
		return formatCSV, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// rowSource iterates the rows of the first sheet without loading the whole
// sheet into memory.
type rowSource interface {
	Next() bool
	Columns() ([]string, error)
	Err() error
	Close() error
}

func openRows(path string, format sheetFormat) (rowSource, error) {
	switch format {
	case formatXLSX:
		return openXLSX(path)
	case formatCSV:
		return openCSV(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

type xlsxRows struct {
	file *excelize.File
	rows *excelize.Rows
}

func openXLSX(path string) (rowSource, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open xlsx: %v", ErrMalformedFile, err)
	}
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		_ = f.Close()
		return nil, fmt.Errorf("%w: excel file has no sheets", ErrMalformedFile)
	}
	rows, err := f.Rows(sheets[0])
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: failed to read rows from xlsx: %v", ErrMalformedFile, err)
	}
	return &xlsxRows{file: f, rows: rows}, nil
}

func (x *xlsxRows) Next() bool { return x.rows.Next() }

// Columns returns raw cell values so dates arrive as serial numbers rather
// than locale formatted text.
func (x *xlsxRows) Columns() ([]string, error) {
	return x.rows.Columns(excelize.Options{RawCellValue: true})
}

func (x *xlsxRows) Err() error { return x.rows.Error() }

func (x *xlsxRows) Close() error {
	rowsErr := x.rows.Close()
	fileErr := x.file.Close()
	return errors.Join(rowsErr, fileErr)
}

type csvRows struct {
	file    *os.File
	reader  *csv.Reader
	current []string
	err     error
}

func openCSV(path string) (rowSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	buffered := bufio.NewReader(f)
	if prefix, err := buffered.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = buffered.Discard(len(byteOrderMark))
	}

	reader := csv.NewReader(buffered)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = false
	return &csvRows{file: f, reader: reader}, nil
}

func (c *csvRows) Next() bool {
	if c.err != nil {
		return false
	}
	record, err := c.reader.Read()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			c.err = err
		}
		c.current = nil
		return false
	}
	c.current = record
	return true
}

func (c *csvRows) Columns() ([]string, error) { return c.current, nil }

func (c *csvRows) Err() error { return c.err }

func (c *csvRows) Close() error { return c.file.Close() }

func isBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// walkRows resolves the header from the first non-blank row and calls fn
// for every following non-blank row. Decode failures are reported as
// ErrMalformedFile; errors returned by fn are passed through unchanged.
func walkRows(path string, format sheetFormat, fn func(header headerMap, row []string) error) error {
	source, err := openRows(path, format)
	if err != nil {
		return err
	}
	defer func() { _ = source.Close() }()

	var header headerMap
	for source.Next() {
		row, err := source.Columns()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedFile, err)
		}
		if isBlankRow(row) {
			continue
		}
		if header == nil {
			header, err = resolveHeader(row)
			if err != nil {
				return err
			}
			continue
		}
		if err := fn(header, row); err != nil {
			return err
		}
	}
	if err := source.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFile, err)
	}
	if header == nil {
		return fmt.Errorf("%w: no header row found", ErrMalformedFile)
	}
	return nil
}

// countDataRows makes a full decode pass, so any malformed content is
// found before processing begins. It stops early when ctx ends.
func countDataRows(ctx context.Context, path string, format sheetFormat) (int, error) {
	total := 0
	err := walkRows(path, format, func(headerMap, []string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		total++
		return nil
	})
	return total, err
}
