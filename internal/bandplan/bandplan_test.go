package bandplan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sample = `[
  {"name": "160m", "lower_bound": 1810000, "upper_bound": 2000000},
  {"name": "80m", "lower_bound": 3500000, "upper_bound": 3800000},
  {"name": "broken", "lower_bound": "x", "upper_bound": 1},
  {"lower_bound": 5351500, "upper_bound": 5366500},
  42,
  {"name": "40m", "lower_bound": 7000000, "upper_bound": 7200000}
]`

func TestParseSkipsMalformed(t *testing.T) {
	p, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Len() != 3 {
		t.Fatalf("expected 3 bands, got %d: %+v", p.Len(), p.Bands)
	}
	if p.Bands[2].Name != "40m" || p.Bands[2].Lower != 7_000_000 || p.Bands[2].Upper != 7_200_000 {
		t.Fatalf("unexpected band %+v", p.Bands[2])
	}
}

func TestParseRejectsNonArray(t *testing.T) {
	if _, err := Parse([]byte(`{"name": "40m"}`)); !errors.Is(err, ErrNotArray) {
		t.Fatalf("expected ErrNotArray, got %v", err)
	}
	if _, err := Parse([]byte(`[{"name": `)); !errors.Is(err, ErrInvalidJSON) {
		t.Fatalf("expected ErrInvalidJSON, got %v", err)
	}
}

func TestParseCapsBands(t *testing.T) {
	var entries []string
	for i := 0; i < MaxBands+10; i++ {
		entries = append(entries, fmt.Sprintf(`{"name":"b%d","lower_bound":%d,"upper_bound":%d}`, i, i*1000, i*1000+500))
	}
	p, err := Parse([]byte("[" + strings.Join(entries, ",") + "]"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Len() != MaxBands {
		t.Fatalf("expected %d bands, got %d", MaxBands, p.Len())
	}
}

func TestParseTruncatesNames(t *testing.T) {
	long := strings.Repeat("n", 50)
	p, err := Parse([]byte(`[{"name":"` + long + `","lower_bound":1,"upper_bound":2}]`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(p.Bands[0].Name) != maxName {
		t.Fatalf("expected name of %d bytes, got %d", maxName, len(p.Bands[0].Name))
	}
}

func TestVisible(t *testing.T) {
	p, _ := Parse([]byte(sample))
	cases := []struct {
		start, end int64
		want       []string
	}{
		{7_050_000, 7_150_000, []string{"40m"}},
		{1_900_000, 3_600_000, []string{"160m", "80m"}},
		{2_000_000, 3_500_000, nil},
		{0, 100_000_000, []string{"160m", "80m", "40m"}},
	}
	for _, tc := range cases {
		got := p.Visible(tc.start, tc.end)
		var names []string
		for _, b := range got {
			names = append(names, b.Name)
		}
		if strings.Join(names, ",") != strings.Join(tc.want, ",") {
			t.Fatalf("Visible(%d, %d): got %v want %v", tc.start, tc.end, names, tc.want)
		}
	}
}

func TestFindAndNilPlan(t *testing.T) {
	p, _ := Parse([]byte(sample))
	if b, ok := p.Find(3_573_000); !ok || b.Name != "80m" {
		t.Fatalf("unexpected find result %+v %v", b, ok)
	}
	if _, ok := p.Find(10_000_000); ok {
		t.Fatalf("expected no band")
	}
	var empty *Plan
	if empty.Len() != 0 || empty.Visible(0, 1) != nil {
		t.Fatalf("nil plan should be empty")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bandplan.json")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := Load(path)
	if err != nil || p.Len() != 3 {
		t.Fatalf("load: %v (%d bands)", err, p.Len())
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
