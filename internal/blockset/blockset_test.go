package blockset

import "testing"

func TestParseAndString(t *testing.T) {
	bs, err := Parse("4 0 1 2 3")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(bs.Ranges) != 2 {
		t.Fatalf("got %d ranges, want 2", len(bs.Ranges))
	}
	if bs.Ranges[0] != (Range{0, 1}) || bs.Ranges[1] != (Range{2, 3}) {
		t.Fatalf("unexpected ranges: %+v", bs.Ranges)
	}
	if got := bs.String(); got != "4 0 1 2 3" {
		t.Fatalf("String() = %q", got)
	}
	if bs.BlockCount() != 2 {
		t.Fatalf("BlockCount() = %d, want 2", bs.BlockCount())
	}
}

func TestParseToleratesWhitespace(t *testing.T) {
	bs, err := Parse("  4   0  1   2 3  \n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if bs.BlockCount() != 2 {
		t.Fatalf("BlockCount() = %d, want 2", bs.BlockCount())
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	cases := []string{
		"",
		"3 0 1 2",    // odd count
		"2 0",        // count mismatch
		"2 5 3",      // inverted range
		"4 0 2 1 3",  // overlap
		"2 x y",      // non-numeric
	}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Errorf("Parse(%q) should have failed", c)
		}
	}
}

func TestForEachBlock(t *testing.T) {
	bs, _ := Parse("4 10 12 20 21")
	var got []uint64
	bs.ForEachBlock(func(b uint64) bool {
		got = append(got, b)
		return true
	})
	want := []uint64{10, 11, 20}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestForEachBlockStopsEarly(t *testing.T) {
	bs, _ := Parse("4 0 5 10 15")
	count := 0
	bs.ForEachBlock(func(b uint64) bool {
		count++
		return count < 2
	})
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}
