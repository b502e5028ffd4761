// Package feature turns raw client records into canonical, typed feature
// maps. Extraction is deterministic: identical inputs always yield identical
// output, which is what makes audience and scoring runs reproducible.
package feature

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Map is a canonical feature map. Values are only ever string, float64 or
// nil. Canonical fields are always present, even when the source record
// lacks them; callers never need to distinguish "absent key" from "empty".
type Map map[string]interface{}

// Canonical field names. Raw records come from spreadsheet imports with
// Spanish column headers; these are the keys the pipelines agree on.
const (
	FieldNombre      = "nombre"
	FieldTelefono    = "telefono"
	FieldEmail       = "email"
	FieldDocumento   = "documento"
	FieldCompania    = "compania"
	FieldProducto    = "producto"
	FieldRamo        = "ramo"
	FieldPoliza      = "poliza"
	FieldInicio      = "inicio"
	FieldVencimiento = "vencimiento"
	FieldPremio      = "premio"
	FieldCuotaPaga   = "cuota_paga"
	FieldFormaPago   = "forma_pago"
	FieldDaysLeft    = "days_left"
)

var stringFields = []string{
	FieldNombre, FieldTelefono, FieldEmail, FieldDocumento,
	FieldCompania, FieldProducto, FieldPoliza, FieldCuotaPaga, FieldFormaPago,
}

var dateFields = []string{FieldInicio, FieldVencimiento}

// ImpactField is the monetary feature summed into an audience run's
// estimated impact.
const ImpactField = FieldPremio

// Extract normalizes a raw record into a feature map as of the given date.
// Strings are trimmed, numbers parsed (comma decimal separator accepted),
// dates truncated to YYYY-MM-DD, and days_left computed as whole UTC days
// until vencimiento (negative once expired). Unknown source keys pass
// through trimmed rather than being dropped.
func Extract(raw map[string]interface{}, asOf time.Time) Map {
	m := make(Map, len(raw)+4)

	for _, k := range stringFields {
		m[k] = cleanString(raw[k])
	}
	for _, k := range dateFields {
		m[k] = cleanDate(raw[k])
	}
	m[FieldPremio] = cleanNumber(raw[FieldPremio])

	// Line of business: explicit value wins, otherwise guess from producto.
	ramo := cleanString(raw[FieldRamo])
	if s, _ := ramo.(string); s == "" {
		if prod, ok := m[FieldProducto].(string); ok {
			ramo = GuessRamo(prod)
		}
	}
	m[FieldRamo] = ramo

	m[FieldDaysLeft] = daysLeft(m[FieldVencimiento], asOf)

	// Passthrough for any extra keys the import carried.
	for k, v := range raw {
		if _, seen := m[k]; seen {
			continue
		}
		m[k] = cleanScalar(v)
	}

	return m
}

func cleanString(v interface{}) interface{} {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(stringifyScalar(v))
}

// cleanNumber parses a numeric feature, keeping nil for absent or
// unparseable values so numeric conditions report ok=false rather than
// comparing against a silent zero.
func cleanNumber(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	if f, ok := toFloat(v); ok {
		return f
	}
	return nil
}

// cleanDate truncates to the first 10 characters and validates YYYY-MM-DD.
// Invalid dates become empty strings, never errors.
func cleanDate(v interface{}) interface{} {
	if v == nil {
		return ""
	}
	s := strings.TrimSpace(stringifyScalar(v))
	if len(s) > 10 {
		s = s[:10]
	}
	if _, err := time.Parse("2006-01-02", s); err != nil {
		return ""
	}
	return s
}

func cleanScalar(v interface{}) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return strings.TrimSpace(x)
	case float64:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	}
	if f, ok := toFloat(v); ok {
		return f
	}
	return strings.TrimSpace(stringifyScalar(v))
}

// daysLeft is floor(vencimiento - asOf) in whole UTC days, or nil when the
// expiry date is unknown.
func daysLeft(vencimiento interface{}, asOf time.Time) interface{} {
	s, _ := vencimiento.(string)
	if s == "" {
		return nil
	}
	end, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil
	}
	asOfDay := time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, time.UTC)
	return float64(int(end.Sub(asOfDay).Hours() / 24))
}

var ramoKeywords = []struct {
	ramo     string
	keywords []string
}{
	{"auto", []string{"auto", "vehic", "camion", "camioneta", "suv", "pickup"}},
	{"moto", []string{"moto", "scooter"}},
	{"hogar", []string{"hogar", "casa", "vivienda", "incendio", "combinado familiar"}},
	{"vida", []string{"vida", "sepelio", "accidentes personales"}},
	{"salud", []string{"salud", "medic", "asistencia"}},
	{"viaje", []string{"viaje", "travel"}},
	{"caucion", []string{"cauci", "garant"}},
}

// GuessRamo heuristically maps a product name to a line of business.
// Unrecognized products yield "otros".
func GuessRamo(producto string) string {
	p := strings.ToLower(producto)
	if strings.TrimSpace(p) == "" {
		return ""
	}
	for _, entry := range ramoKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(p, kw) {
				return entry.ramo
			}
		}
	}
	return "otros"
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		s = strings.ReplaceAll(s, ",", ".")
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func stringifyScalar(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	}
	return fmt.Sprintf("%v", v)
}
