package parser

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partsmarket/syncengine/internal/model"
)

func collect(t *testing.T, input string, opts Options) ([]model.Part, Result) {
	t.Helper()
	var parts []model.Part
	res, err := ParseCSV(context.Background(), strings.NewReader(input), opts,
		func(batch []model.Part) error {
			parts = append(parts, batch...)
			return nil
		})
	require.NoError(t, err)
	return parts, res
}

func TestParseCSVBasic(t *testing.T) {
	input := "part_number,description,brand,price,quantity\n" +
		"abc-123,Brake Pad,Bosch,12.50,4\n" +
		"def-456,Oil Filter,Mann,3.99,0\n"

	parts, res := collect(t, input, Options{IntegrationID: "int-1", IntegrationName: "Acme", Currency: "EUR"})

	require.Len(t, parts, 2)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 2, res.Valid)
	assert.Equal(t, 0, res.Skipped)

	p := parts[0]
	assert.Equal(t, "ABC-123", p.PartNumber)
	assert.Equal(t, "Brake Pad", p.Description)
	assert.Equal(t, "Bosch", p.Brand)
	assert.Equal(t, 12.50, p.Price)
	assert.Equal(t, 4, p.Quantity)
	assert.Equal(t, "EUR", p.Currency)
	assert.Equal(t, "Acme", p.Supplier)
}

func TestParseCSVSniffsSemicolon(t *testing.T) {
	input := "sku;desc;price\nX1;Widget;9,95\n"

	parts, res := collect(t, input, Options{IntegrationID: "int-1"})

	require.Len(t, parts, 1)
	assert.Equal(t, 1, res.Valid)
	assert.Equal(t, "X1", parts[0].PartNumber)
	assert.Equal(t, 9.95, parts[0].Price)
}

func TestParseCSVSniffsTab(t *testing.T) {
	input := "partnumber\tqty\nA1\t7\n"

	parts, _ := collect(t, input, Options{IntegrationID: "int-1"})

	require.Len(t, parts, 1)
	assert.Equal(t, 7, parts[0].Quantity)
}

func TestParseCSVDelimiterTieGoesToComma(t *testing.T) {
	// One comma and one semicolon in the header: comma wins.
	input := "partnumber,extra;note\nA1,hello\n"

	parts, _ := collect(t, input, Options{IntegrationID: "int-1"})

	require.Len(t, parts, 1)
	assert.Equal(t, "A1", parts[0].PartNumber)
}

func TestParseCSVSkipsInvalidRows(t *testing.T) {
	input := "part_number,price,quantity\n" +
		",10.00,1\n" + // missing part number
		"B2,-5.00,1\n" + // negative price
		"C3,1.00,notanumber\n" + // bad quantity
		"D4,2.00,3\n"

	parts, res := collect(t, input, Options{IntegrationID: "int-1"})

	require.Len(t, parts, 1)
	assert.Equal(t, "D4", parts[0].PartNumber)
	assert.Equal(t, 4, res.Processed)
	assert.Equal(t, 1, res.Valid)
	assert.Equal(t, 3, res.Skipped)
	require.Len(t, res.Errors, 3)
	assert.Equal(t, 2, res.Errors[0].Line)
}

func TestParseCSVErrorListCapped(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("part_number,price\n")
	for i := 0; i < maxRowErrors+50; i++ {
		sb.WriteString(",1.00\n")
	}

	_, res := collect(t, sb.String(), Options{IntegrationID: "int-1"})

	assert.Len(t, res.Errors, maxRowErrors)
	assert.True(t, res.Truncated)
	assert.Equal(t, maxRowErrors+50, res.Skipped)
}

func TestParseCSVUnknownColumnsBecomeAttributes(t *testing.T) {
	input := "part_number,oem_reference,price\nA1,REF-9,5.00\n"

	parts, _ := collect(t, input, Options{IntegrationID: "int-1"})

	require.Len(t, parts, 1)
	require.NotNil(t, parts[0].Attributes)
	assert.Equal(t, "REF-9", parts[0].Attributes["oem_reference"])
}

func TestParseCSVExplicitMappingWins(t *testing.T) {
	input := "Artikel,Preis\nA1,4.20\n"

	parts, _ := collect(t, input, Options{
		IntegrationID: "int-1",
		Mapping:       map[string]string{"Artikel": "partNumber", "Preis": "price"},
	})

	require.Len(t, parts, 1)
	assert.Equal(t, "A1", parts[0].PartNumber)
	assert.Equal(t, 4.20, parts[0].Price)
}

func TestParseCSVEmptyFile(t *testing.T) {
	parts, res := collect(t, "", Options{IntegrationID: "int-1"})

	assert.Empty(t, parts)
	assert.Equal(t, 0, res.Processed)
	assert.Empty(t, res.Errors)
}

func TestParseCSVHeaderOnly(t *testing.T) {
	parts, res := collect(t, "part_number,price\n", Options{IntegrationID: "int-1"})

	assert.Empty(t, parts)
	assert.Equal(t, 0, res.Processed)
}

func TestParseCSVStripsBOM(t *testing.T) {
	input := "\ufeffpart_number,price\nA1,1.00\n"

	parts, _ := collect(t, input, Options{IntegrationID: "int-1"})

	require.Len(t, parts, 1)
	assert.Equal(t, "A1", parts[0].PartNumber)
}

func TestParseCSVBatching(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("part_number\n")
	for i := 0; i < 25; i++ {
		sb.WriteString("P")
		sb.WriteString(strings.Repeat("0", 2))
		sb.WriteByte(byte('a' + i%26))
		sb.WriteString("\n")
	}

	var batches []int
	_, err := ParseCSV(context.Background(), strings.NewReader(sb.String()),
		Options{IntegrationID: "int-1", BatchSize: 10},
		func(batch []model.Part) error {
			batches = append(batches, len(batch))
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []int{10, 10, 5}, batches)
}

func TestParseCSVQuantityAsFloat(t *testing.T) {
	input := "part_number,quantity\nA1,12.0\n"

	parts, res := collect(t, input, Options{IntegrationID: "int-1"})

	require.Len(t, parts, 1)
	assert.Equal(t, 12, parts[0].Quantity)
	assert.Equal(t, 1, res.Valid)
}

func TestFromRecord(t *testing.T) {
	rec := map[string]interface{}{
		"sku":       "x-9",
		"price":     19.99,
		"stock":     float64(3),
		"warehouse": "north",
	}

	part, err := FromRecord(rec, Options{IntegrationID: "int-1", IntegrationName: "Acme"})
	require.NoError(t, err)

	assert.Equal(t, "X-9", part.PartNumber)
	assert.Equal(t, 19.99, part.Price)
	assert.Equal(t, 3, part.Quantity)
	assert.Equal(t, "north", part.Attributes["warehouse"])
}

func TestFromRecordMissingPartNumber(t *testing.T) {
	_, err := FromRecord(map[string]interface{}{"price": 1.0}, Options{IntegrationID: "int-1"})
	assert.Error(t, err)
}
