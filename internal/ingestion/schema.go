package ingestion

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/rpattn/retailingest/internal/domain"
	"github.com/rpattn/retailingest/pkg/validator"
)

const (
	fieldBillNo       = "bill number"
	fieldDate         = "date"
	fieldCustomerName = "customer name"
	fieldMobile       = "mobile"
	fieldAddress      = "address"
	fieldCustomerType = "customer type"
	fieldStore        = "store"
	fieldItem         = "item"
	fieldQuantity     = "quantity"
	fieldRate         = "rate"
	fieldAmount       = "amount"
	fieldNetAmount    = "net amount"
)

type column struct {
	field   validator.FieldDefinition
	aliases []string
}

func zeroBound() *float64 {
	v := 0.0
	return &v
}

// salesColumns is the expected layout of a sales upload. Header cells are
// matched against the aliases after normalizeHeader.
var salesColumns = []column{
	{validator.FieldDefinition{Name: fieldBillNo, Type: validator.FieldTypeString, Required: true},
		[]string{"billnumber", "billno", "bill", "invoiceno", "invoicenumber", "invoice"}},
	{validator.FieldDefinition{Name: fieldDate, Type: validator.FieldTypeDate, Required: true},
		[]string{"date", "billdate", "invoicedate"}},
	{validator.FieldDefinition{Name: fieldCustomerName, Type: validator.FieldTypeString, Required: true},
		[]string{"customername", "customer", "name"}},
	{validator.FieldDefinition{Name: fieldMobile, Type: validator.FieldTypePhone, Required: true},
		[]string{"mobile", "mobileno", "mobilenumber", "phone", "phoneno", "contact"}},
	{validator.FieldDefinition{Name: fieldAddress, Type: validator.FieldTypeString},
		[]string{"address", "customeraddress"}},
	{validator.FieldDefinition{Name: fieldCustomerType, Type: validator.FieldTypeString},
		[]string{"customertype", "type"}},
	{validator.FieldDefinition{Name: fieldStore, Type: validator.FieldTypeString, Required: true},
		[]string{"store", "storename", "branch"}},
	{validator.FieldDefinition{Name: fieldItem, Type: validator.FieldTypeString, Required: true},
		[]string{"item", "itemname", "product", "productname", "medicine"}},
	{validator.FieldDefinition{Name: fieldQuantity, Type: validator.FieldTypeInteger, Required: true, Min: zeroBound(), ExclusiveMin: true},
		[]string{"quantity", "qty"}},
	{validator.FieldDefinition{Name: fieldRate, Type: validator.FieldTypeDecimal, Min: zeroBound()},
		[]string{"rate", "price", "mrp", "unitprice"}},
	{validator.FieldDefinition{Name: fieldAmount, Type: validator.FieldTypeDecimal, Required: true, Min: zeroBound()},
		[]string{"amount", "lineamount", "itemamount", "total"}},
	{validator.FieldDefinition{Name: fieldNetAmount, Type: validator.FieldTypeDecimal, Min: zeroBound()},
		[]string{"netamount", "billamount", "nettotal"}},
}

func salesFieldDefinitions() []validator.FieldDefinition {
	defs := make([]validator.FieldDefinition, len(salesColumns))
	for i, col := range salesColumns {
		defs[i] = col.field
	}
	return defs
}

// headerMap maps a cell position to the schema field it carries.
type headerMap map[int]string

// normalizeHeader lower-cases and drops everything but letters and digits,
// so "Bill No." and "bill_no" compare equal.
func normalizeHeader(value string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(strings.TrimPrefix(value, "\ufeff"))) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// resolveHeader matches header cells to schema fields. The first column
// matching a field wins. A header lacking any required field is malformed.
func resolveHeader(header []string) (headerMap, error) {
	lookup := map[string]string{}
	for _, col := range salesColumns {
		for _, alias := range col.aliases {
			if _, taken := lookup[alias]; !taken {
				lookup[alias] = col.field.Name
			}
		}
	}

	mapping := headerMap{}
	seen := map[string]bool{}
	for idx, cell := range header {
		name, ok := lookup[normalizeHeader(cell)]
		if !ok || seen[name] {
			continue
		}
		mapping[idx] = name
		seen[name] = true
	}

	var missing []string
	for _, col := range salesColumns {
		if col.field.Required && !seen[col.field.Name] {
			missing = append(missing, col.field.Name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required columns: %s", ErrMalformedFile, strings.Join(missing, ", "))
	}
	return mapping, nil
}

func (h headerMap) rawValues(row []string) map[string]string {
	values := make(map[string]string, len(h))
	for idx, name := range h {
		if idx < len(row) {
			values[name] = row[idx]
		}
	}
	return values
}

func toSaleRow(rowIndex int, values map[string]any) domain.SaleRow {
	row := domain.SaleRow{
		RowIndex:     rowIndex,
		BillNo:       values[fieldBillNo].(string),
		BillDate:     values[fieldDate].(time.Time),
		CustomerName: values[fieldCustomerName].(string),
		MobileNo:     values[fieldMobile].(string),
		StoreName:    values[fieldStore].(string),
		Item:         values[fieldItem].(string),
		Quantity:     values[fieldQuantity].(int64),
		Amount:       values[fieldAmount].(float64),
	}
	if v, ok := values[fieldAddress].(string); ok {
		row.Address = v
	}
	if v, ok := values[fieldCustomerType].(string); ok {
		row.CustomerType = v
	}
	if v, ok := values[fieldRate].(float64); ok {
		row.Rate = &v
	}
	if v, ok := values[fieldNetAmount].(float64); ok {
		row.NetAmount = &v
	}
	return row
}
