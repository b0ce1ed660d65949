package csn

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b CSN
		want int
	}{
		{"equal", New(10, 1, 1), New(10, 1, 1), 0},
		{"time first", New(9, 100, 9), New(10, 1, 1), -1},
		{"seq second", New(10, 2, 1), New(10, 1, 9), 1},
		{"server id last", New(10, 1, 1), New(10, 1, 2), -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Compare(tt.b); got != tt.want {
				t.Errorf("Compare() = %d, want %d", got, tt.want)
			}
			if got := tt.b.Compare(tt.a); got != -tt.want {
				t.Errorf("reverse Compare() = %d, want %d", got, -tt.want)
			}
		})
	}
}

func TestNewerOlder(t *testing.T) {
	older := New(100, 1, 1)
	newer := New(100, 2, 1)

	if !newer.IsNewerThan(older) {
		t.Error("expected newer.IsNewerThan(older)")
	}
	if older.IsNewerThan(newer) {
		t.Error("older must not be newer")
	}
	if !older.IsOlderThan(newer) {
		t.Error("expected older.IsOlderThan(newer)")
	}
	if !newer.IsNewerThanOrEqual(newer) {
		t.Error("a CSN is newer than or equal to itself")
	}
	if !(CSN{}).IsZero() || newer.IsZero() {
		t.Error("IsZero mismatch")
	}
}

func TestStringAndParse(t *testing.T) {
	c := New(0x0123456789, 7, 3)

	s := c.String()
	if s != "0000000123456789000300000007" {
		t.Fatalf("String() = %q", s)
	}

	parsed, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if parsed != c {
		t.Errorf("Parse() = %+v, want %+v", parsed, c)
	}
}

func TestParseInvalid(t *testing.T) {
	for _, s := range []string{"", "abc", "zz00000123456789000300000007"} {
		if _, err := Parse(s); !errors.Is(err, ErrInvalidCSN) {
			t.Errorf("Parse(%q) error = %v, want ErrInvalidCSN", s, err)
		}
	}
}

func TestBytesPreserveOrder(t *testing.T) {
	csns := []CSN{
		New(1, 1, 1),
		New(1, 1, 2),
		New(1, 2, 1),
		New(2, 0, 0),
		New(1<<40, 5, 7),
	}

	for i := 1; i < len(csns); i++ {
		if bytes.Compare(csns[i-1].Bytes(), csns[i].Bytes()) >= 0 {
			t.Errorf("bytes of %v not before bytes of %v", csns[i-1], csns[i])
		}
	}

	for _, c := range csns {
		decoded, err := FromBytes(c.Bytes())
		if err != nil {
			t.Fatalf("FromBytes() error: %v", err)
		}
		if decoded != c {
			t.Errorf("FromBytes() = %v, want %v", decoded, c)
		}
	}

	if _, err := FromBytes([]byte{1, 2, 3}); !errors.Is(err, ErrInvalidCSN) {
		t.Errorf("FromBytes(short) error = %v", err)
	}
}

func TestDiffSeqNum(t *testing.T) {
	ptr := func(c CSN) *CSN { return &c }

	tests := []struct {
		name         string
		newer, older *CSN
		want         int64
	}{
		{"nil newer", nil, ptr(New(1, 1, 1)), 0},
		{"nil older", ptr(New(100, 5, 1)), nil, 5},
		{"older covers newer", ptr(New(100, 5, 1)), ptr(New(100, 6, 1)), 0},
		{"same csn", ptr(New(100, 5, 1)), ptr(New(100, 5, 1)), 0},
		{"same replica", ptr(New(200, 10, 1)), ptr(New(100, 4, 1)), 6},
		{"wrapped sequence", ptr(New(200, 2, 1)), ptr(New(100, math.MaxInt32-1, 1)), 4},
		{"other replica", ptr(New(200, 10, 1)), ptr(New(100, 3, 2)), 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DiffSeqNum(tt.newer, tt.older); got != tt.want {
				t.Errorf("DiffSeqNum() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCSNJSON(t *testing.T) {
	type wrapper struct {
		CSN CSN `json:"csn"`
	}

	in := wrapper{CSN: New(1700000000000, 42, 12)}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	var out wrapper
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if out.CSN != in.CSN {
		t.Errorf("got %v, want %v", out.CSN, in.CSN)
	}
}
