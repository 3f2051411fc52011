// Package upstream models the market-data vendor: the tabular pages it
// returns and the rate-limited, retrying HTTP client that fetches them.
package upstream

import (
	"fmt"

	"github.com/marketlake/asharetl/internal/errs"
)

// FieldType is the declared type of one page column.
type FieldType int

const (
	TypeFloat FieldType = iota
	TypeInt
	TypeString
)

func (t FieldType) String() string {
	switch t {
	case TypeFloat:
		return "float"
	case TypeInt:
		return "int"
	case TypeString:
		return "string"
	default:
		return "invalid"
	}
}

// Field declares one expected column.
type Field struct {
	Name string
	Type FieldType
}

// Schema describes the expected shape of a vendor page. Unknown columns in a
// response are a fatal schema error unless TolerateExtra is set.
type Schema struct {
	Fields        []Field
	TolerateExtra bool
}

// F is shorthand for building schema field lists.
func F(name string, t FieldType) Field { return Field{Name: name, Type: t} }

// Names returns the declared column names in order.
func (s Schema) Names() []string {
	out := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.Name
	}
	return out
}

func (s Schema) field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// column is one typed, null-aware value vector.
type column struct {
	typ     FieldType
	floats  []float64
	ints    []int64
	strings []string
	valid   []bool
}

// Page is a column-oriented tabular result: a schema plus one typed vector
// per declared column. Row order is preserved from the vendor response.
type Page struct {
	schema Schema
	cols   map[string]*column
	rows   int
}

// NewPage creates an empty page with the given schema.
func NewPage(schema Schema) *Page {
	cols := make(map[string]*column, len(schema.Fields))
	for _, f := range schema.Fields {
		cols[f.Name] = &column{typ: f.Type}
	}
	return &Page{schema: schema, cols: cols}
}

// Rows returns the number of rows in the page.
func (p *Page) Rows() int { return p.rows }

// Schema returns the page schema.
func (p *Page) Schema() Schema { return p.schema }

// AppendRow adds one row; values are positional against the schema fields.
// nil marks a null. Numeric coercions follow the vendor JSON shape: floats
// are accepted into int columns when integral, and int columns accept
// float64 input.
func (p *Page) AppendRow(values []interface{}) error {
	if len(values) != len(p.schema.Fields) {
		return errs.New(errs.KindUpstreamSchema,
			"row has %d values, schema declares %d columns", len(values), len(p.schema.Fields))
	}
	for i, f := range p.schema.Fields {
		col := p.cols[f.Name]
		v := values[i]
		if v == nil {
			col.appendNull()
			continue
		}
		switch f.Type {
		case TypeFloat:
			fv, ok := toFloat(v)
			if !ok {
				return typeErr(f, v)
			}
			col.appendFloat(fv)
		case TypeInt:
			iv, ok := toInt(v)
			if !ok {
				return typeErr(f, v)
			}
			col.appendInt(iv)
		case TypeString:
			sv, ok := v.(string)
			if !ok {
				return typeErr(f, v)
			}
			col.appendString(sv)
		}
	}
	p.rows++
	return nil
}

func typeErr(f Field, v interface{}) error {
	return errs.New(errs.KindUpstreamSchema,
		"column %s: value %v (%T) does not match declared type %s", f.Name, v, v, f.Type)
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	}
	return 0, false
}

func toInt(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		if x == float64(int64(x)) {
			return int64(x), true
		}
	}
	return 0, false
}

func (c *column) appendNull() {
	c.valid = append(c.valid, false)
	switch c.typ {
	case TypeFloat:
		c.floats = append(c.floats, 0)
	case TypeInt:
		c.ints = append(c.ints, 0)
	case TypeString:
		c.strings = append(c.strings, "")
	}
}

func (c *column) appendFloat(v float64) {
	c.valid = append(c.valid, true)
	c.floats = append(c.floats, v)
}

func (c *column) appendInt(v int64) {
	c.valid = append(c.valid, true)
	c.ints = append(c.ints, v)
}

func (c *column) appendString(v string) {
	c.valid = append(c.valid, true)
	c.strings = append(c.strings, v)
}

// Float reads a float cell; ok is false for nulls.
func (p *Page) Float(name string, row int) (float64, bool) {
	col := p.cols[name]
	if col == nil || row >= p.rows || !col.valid[row] {
		return 0, false
	}
	return col.floats[row], true
}

// Int reads an int cell; ok is false for nulls.
func (p *Page) Int(name string, row int) (int64, bool) {
	col := p.cols[name]
	if col == nil || row >= p.rows || !col.valid[row] {
		return 0, false
	}
	return col.ints[row], true
}

// String reads a string cell; ok is false for nulls.
func (p *Page) String(name string, row int) (string, bool) {
	col := p.cols[name]
	if col == nil || row >= p.rows || !col.valid[row] {
		return "", false
	}
	return col.strings[row], true
}

// Value reads one cell as a driver-friendly interface value; nulls are nil.
func (p *Page) Value(name string, row int) interface{} {
	col := p.cols[name]
	if col == nil || row >= p.rows {
		return nil
	}
	if !col.valid[row] {
		return nil
	}
	switch col.typ {
	case TypeFloat:
		return col.floats[row]
	case TypeInt:
		return col.ints[row]
	case TypeString:
		return col.strings[row]
	}
	return nil
}

// NullRatio reports the fraction of null cells in one column.
func (p *Page) NullRatio(name string) float64 {
	col := p.cols[name]
	if col == nil || p.rows == 0 {
		return 0
	}
	nulls := 0
	for _, ok := range col.valid {
		if !ok {
			nulls++
		}
	}
	return float64(nulls) / float64(p.rows)
}

// Append concatenates another page with an identical schema (used when the
// client follows vendor pagination).
func (p *Page) Append(other *Page) error {
	if len(other.schema.Fields) != len(p.schema.Fields) {
		return fmt.Errorf("cannot append page: schema width mismatch")
	}
	for i := 0; i < other.rows; i++ {
		row := make([]interface{}, len(p.schema.Fields))
		for j, f := range p.schema.Fields {
			row[j] = other.Value(f.Name, i)
		}
		if err := p.AppendRow(row); err != nil {
			return err
		}
	}
	return nil
}
