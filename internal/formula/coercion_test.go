package formula

import (
	"errors"
	"testing"
	"time"

	"github.com/solatis/synthkeeper/internal/types"
)

func TestCoerce(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		value     any
		family    Family
		wantValue any
		wantNull  bool
		wantErr   error
	}{
		// NUMERIC
		{name: "numeric: string to float64", value: "25", family: FamilyNumeric, wantValue: 25.0},
		{name: "numeric: float64 passthrough", value: 42.5, family: FamilyNumeric, wantValue: 42.5},
		{name: "numeric: int to float64", value: 100, family: FamilyNumeric, wantValue: 100.0},
		{name: "numeric: int64 to float64", value: int64(999), family: FamilyNumeric, wantValue: 999.0},
		{name: "numeric: string with whitespace", value: "  42  ", family: FamilyNumeric, wantValue: 42.0},
		{name: "numeric: bool passthrough", value: true, family: FamilyNumeric, wantValue: true},
		{name: "numeric: nil is null", value: nil, family: FamilyNumeric, wantNull: true},
		{name: "numeric: whitespace-only fails", value: "   ", family: FamilyNumeric, wantErr: types.ErrNonNumericResult},
		{name: "numeric: word fails", value: "on", family: FamilyNumeric, wantErr: types.ErrNonNumericResult},
		{name: "numeric: datetime fails", value: ts, family: FamilyNumeric, wantErr: types.ErrNonNumericResult},

		// STRING
		{name: "string: passthrough", value: "hello", family: FamilyString, wantValue: "hello"},
		{name: "string: whole float", value: 5.0, family: FamilyString, wantValue: "5"},
		{name: "string: fractional float", value: 2.5, family: FamilyString, wantValue: "2.5"},
		{name: "string: bool", value: false, family: FamilyString, wantValue: "false"},
		{name: "string: datetime", value: ts, family: FamilyString, wantValue: "2024-03-01T12:00:00Z"},

		// BOOLEAN
		{name: "boolean: bool", value: true, family: FamilyBoolean, wantValue: true},
		{name: "boolean: on", value: "on", family: FamilyBoolean, wantValue: true},
		{name: "boolean: OFF", value: "OFF", family: FamilyBoolean, wantValue: false},
		{name: "boolean: zero", value: 0.0, family: FamilyBoolean, wantValue: false},
		{name: "boolean: two fails", value: 2.0, family: FamilyBoolean, wantErr: types.ErrCoercionFailed},
		{name: "boolean: word fails", value: "maybe", family: FamilyBoolean, wantErr: types.ErrCoercionFailed},

		// DATE
		{name: "date: datetime", value: ts, family: FamilyDate, wantValue: ts},
		{name: "date: iso string", value: "2024-03-01T12:00:00Z", family: FamilyDate, wantValue: ts},
		{name: "date: duration", value: time.Hour, family: FamilyDate, wantValue: time.Hour},
		{name: "date: garbage fails", value: "yesterday-ish", family: FamilyDate, wantErr: types.ErrCoercionFailed},

		// METADATA
		{name: "metadata: preserves type", value: []any{1.0, "a"}, family: FamilyMetadata, wantValue: []any{1.0, "a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(tt.value, tt.family)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Coerce() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Coerce() error = %v, want nil", err)
			}
			if got.IsNull != tt.wantNull {
				t.Fatalf("IsNull = %v, want %v", got.IsNull, tt.wantNull)
			}
			if tt.wantNull {
				return
			}
			if !compareEqual(got.Value, tt.wantValue) {
				t.Errorf("Value = %#v, want %#v", got.Value, tt.wantValue)
			}
		})
	}
}

func TestNormalizeValue(t *testing.T) {
	tests := []struct {
		in   any
		want any
	}{
		{"12.5", 12.5},
		{" 3 ", 3.0},
		{"on", "on"},
		{"", ""},
		{7, 7.0},
		{int64(8), 8.0},
		{true, true},
		{nil, nil},
	}
	for _, tt := range tests {
		if got := NormalizeValue(tt.in); got != tt.want {
			t.Errorf("NormalizeValue(%#v) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}
