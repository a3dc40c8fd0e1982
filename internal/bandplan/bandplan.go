// Package bandplan loads the band table drawn under the spectrum.
package bandplan

import (
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/gjson"
)

// MaxBands caps how many entries are kept from a file.
const MaxBands = 64

// maxName matches the fixed width the table has always used.
const maxName = 31

var (
	// ErrNotArray means the document root is not a JSON array.
	ErrNotArray = errors.New("bandplan: root is not an array")
	// ErrInvalidJSON means the document does not parse.
	ErrInvalidJSON = errors.New("bandplan: invalid json")
)

// Band is one named frequency range in Hz.
type Band struct {
	Name  string `json:"name"`
	Lower int64  `json:"lower_bound"`
	Upper int64  `json:"upper_bound"`
}

// Plan is an ordered list of bands.
type Plan struct {
	Bands []Band
}

// Load reads a band plan file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bandplan: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse accepts a JSON array of {name, lower_bound, upper_bound} objects.
// Entries missing a field or of the wrong type are skipped; at most
// MaxBands are kept.
func Parse(data []byte) (*Plan, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrInvalidJSON
	}
	root := gjson.ParseBytes(data)
	if !root.IsArray() {
		return nil, ErrNotArray
	}

	plan := &Plan{}
	root.ForEach(func(_, entry gjson.Result) bool {
		if len(plan.Bands) >= MaxBands {
			return false
		}
		if !entry.IsObject() {
			return true
		}
		name := entry.Get("name")
		lower := entry.Get("lower_bound")
		upper := entry.Get("upper_bound")
		if name.Type != gjson.String || lower.Type != gjson.Number || upper.Type != gjson.Number {
			return true
		}
		n := name.String()
		if len(n) > maxName {
			n = n[:maxName]
		}
		plan.Bands = append(plan.Bands, Band{Name: n, Lower: lower.Int(), Upper: upper.Int()})
		return true
	})
	return plan, nil
}

// Len returns the number of bands.
func (p *Plan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Bands)
}

// Visible returns, in file order, the bands overlapping [start, end).
func (p *Plan) Visible(start, end int64) []Band {
	if p == nil {
		return nil
	}
	var out []Band
	for _, b := range p.Bands {
		if b.Lower < end && b.Upper > start {
			out = append(out, b)
		}
	}
	return out
}

// Find returns the first band containing hz.
func (p *Plan) Find(hz int64) (Band, bool) {
	if p == nil {
		return Band{}, false
	}
	for _, b := range p.Bands {
		if hz >= b.Lower && hz <= b.Upper {
			return b, true
		}
	}
	return Band{}, false
}
