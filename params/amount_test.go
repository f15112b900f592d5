package params

import (
	"math/big"
	"testing"
)

// Tests that human-readable amounts parse into 18-decimal base units and
// render back without losing precision.
func TestParseFormatBAN(t *testing.T) {
	cases := []struct {
		in   string
		base string
		out  string
	}{
		{"1", "1000000000000000000", "1"},
		{"1.5", "1500000000000000000", "1.5"},
		{"0.000000000000000001", "1", "0.000000000000000001"},
		{"123.420000", "123420000000000000000", "123.42"},
		{"-2.5", "-2500000000000000000", "-2.5"},
		{".5", "500000000000000000", "0.5"},
	}
	for _, c := range cases {
		got, err := ParseBAN(c.in)
		if err != nil {
			t.Fatalf("ParseBAN(%q): %v", c.in, err)
		}
		if got.String() != c.base {
			t.Errorf("ParseBAN(%q) = %s, want %s", c.in, got, c.base)
		}
		if s := FormatBAN(got); s != c.out {
			t.Errorf("FormatBAN(ParseBAN(%q)) = %q, want %q", c.in, s, c.out)
		}
	}
}

func TestParseBANRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "-", "1.2.3", "1e18", "0.0000000000000000001", "abc"} {
		if _, err := ParseBAN(in); err == nil {
			t.Errorf("ParseBAN(%q): expected error", in)
		}
	}
}

// Tests the base-unit to node raw-unit conversion in both directions.
func TestRawConversion(t *testing.T) {
	oneBAN, _ := ParseBAN("1")
	raw := BANToRaw(oneBAN)
	want, _ := new(big.Int).SetString("1"+zeros(29), 10)
	if raw.Cmp(want) != 0 {
		t.Fatalf("BANToRaw(1 BAN) = %s, want %s", raw, want)
	}
	if back := RawToBAN(raw); back.Cmp(oneBAN) != 0 {
		t.Fatalf("RawToBAN round trip = %s, want %s", back, oneBAN)
	}
}

func zeros(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '0'
	}
	return string(b)
}
