package wrapping

import "testing"

func TestSeqLess16(t *testing.T) {
	cases := []struct {
		a, b U16
		less bool
	}{
		{0, 1, true},
		{1, 0, false},
		{65535, 0, true},
		{0, 65535, false},
		{100, 100, false},
		{0, 32768, true}, // exactly half-range: tie breaks toward raw numeric order
		{32768, 0, false},
	}
	for _, c := range cases {
		if got := SeqLess16(c.a, c.b); got != c.less {
			t.Errorf("SeqLess16(%d,%d) = %v, want %v", c.a, c.b, got, c.less)
		}
	}
}

func TestSeqDiff16RoundTrip(t *testing.T) {
	a, b := U16(60000), U16(10)
	d := SeqDiff16(a, b)
	if d <= 0 {
		t.Fatalf("expected wrapped-forward positive diff, got %d", d)
	}
}

func TestSeqLess8(t *testing.T) {
	if !SeqLess8(250, 2) {
		t.Fatal("expected wrap-around less-than to hold")
	}
	if SeqLess8(2, 250) {
		t.Fatal("expected reverse direction to be false")
	}
}
