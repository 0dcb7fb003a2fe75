package ingest

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/careprice-cli/internal/fetcher"
	"github.com/sells-group/careprice-cli/pkg/geocode"
)

// Source column names in CMS inpatient charge exports.
const (
	colDRG              = "DRG Definition"
	colProviderID       = "Provider Id"
	colProviderName     = "Provider Name"
	colProviderCity     = "Provider City"
	colProviderState    = "Provider State"
	colProviderZip      = "Provider Zip Code"
	colTotalDischarges  = "Total Discharges"
	colCoveredCharges   = "Average Covered Charges"
	colTotalPayments    = "Average Total Payments"
	colMedicarePayments = "Average Medicare Payments"
)

// RequiredColumns lists the header columns an input file must carry.
func RequiredColumns() []string {
	return []string{
		colDRG, colProviderID, colProviderName, colProviderCity,
		colProviderState, colProviderZip, colTotalDischarges,
		colCoveredCharges, colTotalPayments, colMedicarePayments,
	}
}

// Record is one fully validated input row. Downstream components never
// see raw text.
type Record struct {
	Row                 int64
	ProviderID          string
	ProviderName        string
	ProviderCity        string
	ProviderState       string
	ProviderZip         string
	DRGCode             string
	DRGDescription      string
	TotalDischarges     int
	AvgCoveredCharges   decimal.Decimal
	AvgTotalPayments    decimal.Decimal
	AvgMedicarePayments decimal.Decimal
}

// Normalize validates and types one raw row. It is pure and safe to
// call concurrently.
func Normalize(row fetcher.Row) (Record, error) {
	rec := Record{Row: row.Number}

	get := func(col string) (string, error) {
		v := row.Get(col)
		if v == "" {
			return "", &MalformedRecordError{Row: row.Number, Field: col, Reason: "missing or empty"}
		}
		return v, nil
	}

	drg, err := get(colDRG)
	if err != nil {
		return rec, err
	}
	code, desc, ok := strings.Cut(drg, " - ")
	if !ok {
		return rec, &MalformedRecordError{Row: row.Number, Field: colDRG, Reason: `expected "<code> - <description>"`}
	}
	rec.DRGCode = cleanDRGCode(code)
	rec.DRGDescription = strings.TrimSpace(desc)
	if rec.DRGCode == "" || rec.DRGDescription == "" {
		return rec, &MalformedRecordError{Row: row.Number, Field: colDRG, Reason: "empty code or description"}
	}

	if rec.ProviderID, err = get(colProviderID); err != nil {
		return rec, err
	}
	if rec.ProviderName, err = get(colProviderName); err != nil {
		return rec, err
	}

	city, err := get(colProviderCity)
	if err != nil {
		return rec, err
	}
	// cases.Caser carries state, so build one per call rather than
	// sharing across goroutines.
	rec.ProviderCity = cases.Title(language.AmericanEnglish).String(strings.ToLower(city))

	state, err := get(colProviderState)
	if err != nil {
		return rec, err
	}
	rec.ProviderState = strings.ToUpper(state)

	zip, err := get(colProviderZip)
	if err != nil {
		return rec, err
	}
	rec.ProviderZip = geocode.NormalizeZip(zip)
	if rec.ProviderZip == "" {
		return rec, &MalformedRecordError{Row: row.Number, Field: colProviderZip, Reason: "no digits in postal code"}
	}

	discharges, err := get(colTotalDischarges)
	if err != nil {
		return rec, err
	}
	n, convErr := strconv.Atoi(strings.ReplaceAll(discharges, ",", ""))
	if convErr != nil || n < 0 {
		return rec, &MalformedRecordError{Row: row.Number, Field: colTotalDischarges, Reason: "not a non-negative integer"}
	}
	rec.TotalDischarges = n

	if rec.AvgCoveredCharges, err = moneyField(row, colCoveredCharges); err != nil {
		return rec, err
	}
	if rec.AvgTotalPayments, err = moneyField(row, colTotalPayments); err != nil {
		return rec, err
	}
	if rec.AvgMedicarePayments, err = moneyField(row, colMedicarePayments); err != nil {
		return rec, err
	}

	return rec, nil
}

// cleanDRGCode strips everything but letters and digits so the same
// procedure never splits into two codes over formatting noise.
func cleanDRGCode(code string) string {
	var b strings.Builder
	for _, r := range code {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// moneyField parses a monetary column as fixed-precision decimal.
// Binary floating point would drift across re-imports.
func moneyField(row fetcher.Row, col string) (decimal.Decimal, error) {
	v := row.Get(col)
	if v == "" {
		return decimal.Zero, &MalformedRecordError{Row: row.Number, Field: col, Reason: "missing or empty"}
	}
	cleaned := strings.NewReplacer("$", "", ",", "", " ", "").Replace(v)
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, &MalformedRecordError{Row: row.Number, Field: col, Reason: "not a monetary amount"}
	}
	return d, nil
}
