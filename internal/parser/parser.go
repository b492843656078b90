// Package parser turns raw feed artifacts (CSV files, API records) into
// canonical parts. Parsing is streaming: files of any size pass through in
// fixed-size batches.
package parser

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/partsmarket/syncengine/internal/model"
)

const (
	// DefaultBatchSize is the number of parts handed to onBatch at a time.
	DefaultBatchSize = 1000

	// maxRowErrors caps the per-file error list so a fully malformed file
	// cannot balloon memory.
	maxRowErrors = 100
)

// RowError describes one rejected row.
type RowError struct {
	Line    int    `json:"line"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e RowError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("line %d, field %q: %s", e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("line %d: %s", e.Line, e.Message)
}

// Result summarizes one parsed artifact. A file where every row was rejected
// is still a successful parse with Valid == 0.
type Result struct {
	Processed int        `json:"processed"`
	Valid     int        `json:"valid"`
	Skipped   int        `json:"skipped"`
	Errors    []RowError `json:"errors,omitempty"`
	Truncated bool       `json:"truncated"` // error list hit its cap
}

// Options configures a parse run.
type Options struct {
	IntegrationID   string
	IntegrationName string
	Supplier        string
	Currency        string
	// Mapping overrides header auto-detection: source column (case
	// insensitive) -> canonical field name.
	Mapping   map[string]string
	BatchSize int
}

func (o *Options) normalize() {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Currency == "" {
		o.Currency = "USD"
	}
}

// headerAliases maps normalized column names to canonical part fields.
// Feeds name the same column a dozen ways; this list grew from real files.
var headerAliases = map[string]string{
	"partnumber":    "partNumber",
	"partno":        "partNumber",
	"part":          "partNumber",
	"pn":            "partNumber",
	"sku":           "partNumber",
	"article":       "partNumber",
	"articlenumber": "partNumber",
	"itemnumber":    "partNumber",
	"description":   "description",
	"desc":          "description",
	"name":          "description",
	"title":         "description",
	"brand":         "brand",
	"manufacturer":  "brand",
	"make":          "brand",
	"mfg":           "brand",
	"supplier":      "supplier",
	"vendor":        "supplier",
	"seller":        "supplier",
	"price":         "price",
	"unitprice":     "price",
	"cost":          "price",
	"currency":      "currency",
	"quantity":      "quantity",
	"qty":           "quantity",
	"stock":         "quantity",
	"onhand":        "quantity",
	"available":     "quantity",
	"deliverydays":  "deliveryDays",
	"leadtime":      "deliveryDays",
	"leadtimedays":  "deliveryDays",
	"weight":        "weight",
	"weightkg":      "weight",
	"condition":     "condition",
	"uom":           "uom",
	"unit":          "uom",
	"unitofmeasure": "uom",
	"category":      "category",
	"subcategory":   "subcategory",
	"origin":        "origin",
	"country":       "origin",
	"countryoforigin": "origin",
}

// ParseCSV streams a CSV artifact into batches of canonical parts. The
// delimiter is sniffed from the header line; unknown columns land in
// Attributes. Invalid rows are skipped and reported, never fatal.
func ParseCSV(ctx context.Context, r io.Reader, opts Options, onBatch func(parts []model.Part) error) (Result, error) {
	opts.normalize()
	var res Result

	br := bufio.NewReaderSize(r, 64*1024)
	headerLine, err := readHeaderLine(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return res, nil // empty file, zero records, success
		}
		return res, fmt.Errorf("failed to read header: %w", err)
	}

	delim := sniffDelimiter(headerLine)
	columns := splitHeader(headerLine, delim, opts.Mapping)

	cr := csv.NewReader(br)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	now := time.Now().UTC()
	batch := make([]model.Part, 0, opts.BatchSize)
	line := 1 // header

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := onBatch(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			res.Processed++
			res.Skipped++
			res.addError(RowError{Line: line, Message: err.Error()})
			continue
		}
		if isBlank(record) {
			continue
		}
		res.Processed++

		part, rowErr := buildPart(record, columns, opts, now)
		if rowErr != nil {
			res.Skipped++
			rowErr.Line = line
			res.addError(*rowErr)
			continue
		}
		res.Valid++
		batch = append(batch, part)
		if len(batch) >= opts.BatchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}

	log.Debug().Str("integration_id", opts.IntegrationID).
		Int("processed", res.Processed).Int("valid", res.Valid).
		Int("skipped", res.Skipped).Msg("CSV parse complete")
	return res, nil
}

func (r *Result) addError(e RowError) {
	if len(r.Errors) >= maxRowErrors {
		r.Truncated = true
		return
	}
	r.Errors = append(r.Errors, e)
}

// readHeaderLine returns the first non-empty line with any UTF-8 BOM
// stripped.
func readHeaderLine(br *bufio.Reader) (string, error) {
	for {
		line, err := br.ReadString('\n')
		trimmed := strings.TrimPrefix(line, "\ufeff")
		trimmed = strings.TrimRight(trimmed, "\r\n")
		if strings.TrimSpace(trimmed) != "" {
			return trimmed, err
		}
		if err != nil {
			return "", io.EOF
		}
	}
}

// sniffDelimiter counts candidate separators outside quoted sections of the
// header line. Ties go to comma.
func sniffDelimiter(header string) rune {
	counts := map[rune]int{',': 0, ';': 0, '\t': 0, '|': 0}
	inQuotes := false
	for _, r := range header {
		if r == '"' {
			inQuotes = !inQuotes
			continue
		}
		if inQuotes {
			continue
		}
		if _, ok := counts[r]; ok {
			counts[r]++
		}
	}
	best := ','
	for _, cand := range []rune{';', '\t', '|'} {
		if counts[cand] > counts[best] {
			best = cand
		}
	}
	return best
}

// column describes how one CSV column maps onto a part.
type column struct {
	source    string // original header text
	canonical string // empty means attribute
}

func splitHeader(header string, delim rune, mapping map[string]string) []column {
	cr := csv.NewReader(strings.NewReader(header))
	cr.Comma = delim
	cr.LazyQuotes = true
	fields, err := cr.Read()
	if err != nil {
		fields = strings.Split(header, string(delim))
	}

	lowered := make(map[string]string, len(mapping))
	for k, v := range mapping {
		lowered[normalizeHeader(k)] = v
	}

	columns := make([]column, len(fields))
	for i, f := range fields {
		src := strings.TrimSpace(f)
		key := normalizeHeader(src)
		col := column{source: src}
		if canonical, ok := lowered[key]; ok {
			col.canonical = canonical
		} else if canonical, ok := headerAliases[key]; ok {
			col.canonical = canonical
		}
		columns[i] = col
	}
	return columns
}

func normalizeHeader(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '_', '-', '.', '/':
			return -1
		}
		return r
	}, s)
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func buildPart(record []string, columns []column, opts Options, now time.Time) (model.Part, *RowError) {
	part := model.Part{
		IntegrationID:   opts.IntegrationID,
		IntegrationName: opts.IntegrationName,
		Supplier:        opts.Supplier,
		Currency:        opts.Currency,
		ImportedAt:      now,
		LastUpdated:     now,
	}

	for i, col := range columns {
		if i >= len(record) {
			break
		}
		value := strings.TrimSpace(strings.ToValidUTF8(record[i], ""))
		if value == "" {
			continue
		}
		if col.canonical == "" {
			if part.Attributes == nil {
				part.Attributes = map[string]interface{}{}
			}
			part.Attributes[col.source] = value
			continue
		}
		if err := setField(&part, col.canonical, value); err != nil {
			return model.Part{}, &RowError{Field: col.source, Message: err.Error()}
		}
	}

	if part.PartNumber == "" {
		return model.Part{}, &RowError{Field: "partNumber", Message: "part number is required"}
	}
	part.PartNumber = strings.ToUpper(part.PartNumber)
	if part.Supplier == "" {
		part.Supplier = opts.IntegrationName
	}
	return part, nil
}

func setField(part *model.Part, field, value string) error {
	switch field {
	case "partNumber":
		part.PartNumber = value
	case "description":
		part.Description = value
	case "brand":
		part.Brand = value
	case "supplier":
		part.Supplier = value
	case "price":
		p, err := parsePrice(value)
		if err != nil {
			return err
		}
		part.Price = p
	case "currency":
		part.Currency = strings.ToUpper(value)
	case "quantity":
		q, err := parseQuantity(value)
		if err != nil {
			return err
		}
		part.Quantity = q
	case "deliveryDays":
		d, err := parseQuantity(value)
		if err != nil {
			return fmt.Errorf("invalid delivery days: %w", err)
		}
		part.DeliveryDays = &d
	case "weight":
		w, err := parsePrice(value)
		if err != nil {
			return fmt.Errorf("invalid weight: %w", err)
		}
		part.Weight = &w
	case "condition":
		part.Condition = value
	case "uom":
		part.UOM = value
	case "category":
		part.Category = value
	case "subcategory":
		part.Subcategory = value
	case "origin":
		part.Origin = value
	default:
		if part.Attributes == nil {
			part.Attributes = map[string]interface{}{}
		}
		part.Attributes[field] = value
	}
	return nil
}

// parsePrice accepts "12.50" and the European "12,50" and rejects negatives.
func parsePrice(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, ".") && strings.Count(s, ",") == 1 {
		s = strings.ReplaceAll(s, ",", ".")
	} else {
		s = strings.ReplaceAll(s, ",", "")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative value %q", s)
	}
	return v, nil
}

func parseQuantity(s string) (int, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.Atoi(s)
	if err != nil {
		// quantities arrive as "12.0" often enough to tolerate
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || f != float64(int(f)) {
			return 0, fmt.Errorf("invalid integer %q", s)
		}
		v = int(f)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative value %q", s)
	}
	return v, nil
}

// FromRecord normalizes one raw API record into a part using the same
// validation rules as the CSV path. Mapping is source field -> canonical.
func FromRecord(rec map[string]interface{}, opts Options) (model.Part, error) {
	opts.normalize()
	now := time.Now().UTC()
	part := model.Part{
		IntegrationID:   opts.IntegrationID,
		IntegrationName: opts.IntegrationName,
		Supplier:        opts.Supplier,
		Currency:        opts.Currency,
		ImportedAt:      now,
		LastUpdated:     now,
	}

	lowered := make(map[string]string, len(opts.Mapping))
	for k, v := range opts.Mapping {
		lowered[normalizeHeader(k)] = v
	}

	for key, raw := range rec {
		value := coerceString(raw)
		if value == "" {
			continue
		}
		canonical, ok := lowered[normalizeHeader(key)]
		if !ok {
			canonical, ok = headerAliases[normalizeHeader(key)]
		}
		if !ok {
			if part.Attributes == nil {
				part.Attributes = map[string]interface{}{}
			}
			part.Attributes[key] = raw
			continue
		}
		if err := setField(&part, canonical, value); err != nil {
			return model.Part{}, err
		}
	}

	if part.PartNumber == "" {
		return model.Part{}, errors.New("part number is required")
	}
	part.PartNumber = strings.ToUpper(part.PartNumber)
	if part.Supplier == "" {
		part.Supplier = opts.IntegrationName
	}
	return part, nil
}

func coerceString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(strings.ToValidUTF8(t, ""))
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
