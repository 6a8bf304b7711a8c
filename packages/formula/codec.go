package formula

import (
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// canonical encoding so equal results encode to equal bytes
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("formula: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// wire kinds of a value
const (
	wireBlank uint8 = iota
	wireNumber
	wireText
	wireBool
	wireError
	wireArray
)

type wireValue struct {
	Kind    uint8       `cbor:"k"`
	Number  float64     `cbor:"n,omitempty"`
	Text    string      `cbor:"t,omitempty"`
	Bool    bool        `cbor:"b,omitempty"`
	Code    uint8       `cbor:"c,omitempty"`
	Rows    int         `cbor:"r,omitempty"`
	Columns int         `cbor:"w,omitempty"`
	Values  []wireValue `cbor:"v,omitempty"`
}

type wireCell struct {
	Unit   string    `cbor:"u"`
	Sheet  string    `cbor:"s"`
	Row    int       `cbor:"r"`
	Column int       `cbor:"c"`
	Value  wireValue `cbor:"v"`
}

type wireRange struct {
	Unit  string       `cbor:"u"`
	Sheet string       `cbor:"s"`
	Row   int          `cbor:"r"`
	Col   int          `cbor:"c"`
	Range RangeAddress `cbor:"a"`
}

type wireFeature struct {
	FeatureID string     `cbor:"f"`
	Cells     []wireCell `cbor:"d"`
}

type wireNode struct {
	Unit      string `cbor:"u"`
	Sheet     string `cbor:"s"`
	Row       int    `cbor:"r"`
	Column    int    `cbor:"c"`
	FeatureID string `cbor:"f,omitempty"`
}

type wireResult struct {
	Cells       []wireCell    `cbor:"1,keyasint"`
	Spills      []wireRange   `cbor:"2,keyasint"`
	Features    []wireFeature `cbor:"3,keyasint,omitempty"`
	Dirty       []DirtyRange  `cbor:"4,keyasint,omitempty"`
	NotExecuted []wireNode    `cbor:"5,keyasint,omitempty"`
	Cyclic      bool          `cbor:"6,keyasint"`
	Stopped     bool          `cbor:"7,keyasint"`
	Attempts    int           `cbor:"8,keyasint"`
	Arrays      []wireCell    `cbor:"9,keyasint,omitempty"`
}

func toWire(value Primitive) (wireValue, error) {
	switch v := value.(type) {
	case nil:
		return wireValue{Kind: wireBlank}, nil
	case float64:
		return wireValue{Kind: wireNumber, Number: v}, nil
	case string:
		return wireValue{Kind: wireText, Text: v}, nil
	case bool:
		return wireValue{Kind: wireBool, Bool: v}, nil
	case *FormulaError:
		return wireValue{Kind: wireError, Code: uint8(v.Code), Text: v.Message}, nil
	case *ArrayValue:
		w := wireValue{Kind: wireArray, Rows: v.Rows, Columns: v.Columns, Values: make([]wireValue, len(v.Values))}
		for i, elem := range v.Values {
			ew, err := toWire(elem)
			if err != nil {
				return w, err
			}
			w.Values[i] = ew
		}
		return w, nil
	}
	return wireValue{}, fmt.Errorf("cannot encode %T", value)
}

func fromWire(w wireValue) (Primitive, error) {
	switch w.Kind {
	case wireBlank:
		return nil, nil
	case wireNumber:
		return w.Number, nil
	case wireText:
		return w.Text, nil
	case wireBool:
		return w.Bool, nil
	case wireError:
		return &FormulaError{Code: ErrorCode(w.Code), Message: w.Text}, nil
	case wireArray:
		if w.Rows*w.Columns != len(w.Values) {
			return nil, fmt.Errorf("array of %dx%d has %d values", w.Rows, w.Columns, len(w.Values))
		}
		arr := NewArrayValue(w.Rows, w.Columns)
		for i, ew := range w.Values {
			v, err := fromWire(ew)
			if err != nil {
				return nil, err
			}
			arr.Values[i] = v
		}
		return arr, nil
	}
	return nil, fmt.Errorf("unknown value kind %d", w.Kind)
}

func sortedKeys[V any](m map[CellKey]V) []CellKey {
	keys := make([]CellKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

func wireCells(cells map[CellKey]Primitive) ([]wireCell, error) {
	out := make([]wireCell, 0, len(cells))
	for _, key := range sortedKeys(cells) {
		w, err := toWire(cells[key])
		if err != nil {
			return nil, fmt.Errorf("cell %s: %w", key, err)
		}
		out = append(out, wireCell{Unit: key.UnitID, Sheet: key.SheetID, Row: key.Row, Column: key.Column, Value: w})
	}
	return out, nil
}

func cellsFromWire(cells []wireCell) (map[CellKey]Primitive, error) {
	out := make(map[CellKey]Primitive, len(cells))
	for _, c := range cells {
		v, err := fromWire(c.Value)
		if err != nil {
			return nil, err
		}
		out[CellKey{UnitID: c.Unit, SheetID: c.Sheet, Row: c.Row, Column: c.Column}] = v
	}
	return out, nil
}

// EncodeResult serializes a Result to canonical CBOR
func EncodeResult(r *Result) ([]byte, error) {
	w := wireResult{Dirty: r.DirtyRanges, Cyclic: r.Cyclic, Stopped: r.Stopped, Attempts: r.Attempts}

	var err error
	if w.Cells, err = wireCells(r.RuntimeData); err != nil {
		return nil, fmt.Errorf("formula: encode result: %w", err)
	}
	for _, key := range sortedKeys(r.ArrayFormulaRanges) {
		w.Spills = append(w.Spills, wireRange{Unit: key.UnitID, Sheet: key.SheetID, Row: key.Row, Col: key.Column, Range: r.ArrayFormulaRanges[key]})
	}
	arrays := make(map[CellKey]Primitive, len(r.Spills))
	for key, arr := range r.Spills {
		arrays[key] = arr
	}
	if w.Arrays, err = wireCells(arrays); err != nil {
		return nil, fmt.Errorf("formula: encode result: %w", err)
	}

	ids := make([]string, 0, len(r.FeatureData))
	for id := range r.FeatureData {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		cells, err := wireCells(r.FeatureData[id])
		if err != nil {
			return nil, fmt.Errorf("formula: encode feature %s: %w", id, err)
		}
		w.Features = append(w.Features, wireFeature{FeatureID: id, Cells: cells})
	}
	for _, n := range r.NotExecuted {
		w.NotExecuted = append(w.NotExecuted, wireNode{Unit: n.UnitID, Sheet: n.SheetID, Row: n.Row, Column: n.Column, FeatureID: n.FeatureID})
	}
	return cborEncMode.Marshal(&w)
}

// DecodeResult deserializes a Result encoded by EncodeResult
func DecodeResult(data []byte) (*Result, error) {
	var w wireResult
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("formula: unmarshal result: %w", err)
	}

	r := &Result{
		ArrayFormulaRanges: make(map[CellKey]RangeAddress, len(w.Spills)),
		Spills:             make(map[CellKey]*ArrayValue, len(w.Arrays)),
		FeatureData:        make(map[string]map[CellKey]Primitive, len(w.Features)),
		DirtyRanges:        w.Dirty,
		Cyclic:             w.Cyclic,
		Stopped:            w.Stopped,
		Attempts:           w.Attempts,
	}
	var err error
	if r.RuntimeData, err = cellsFromWire(w.Cells); err != nil {
		return nil, fmt.Errorf("formula: decode result: %w", err)
	}
	for _, s := range w.Spills {
		r.ArrayFormulaRanges[CellKey{UnitID: s.Unit, SheetID: s.Sheet, Row: s.Row, Column: s.Col}] = s.Range
	}
	arrays, err := cellsFromWire(w.Arrays)
	if err != nil {
		return nil, fmt.Errorf("formula: decode result: %w", err)
	}
	for key, v := range arrays {
		arr, ok := v.(*ArrayValue)
		if !ok {
			return nil, fmt.Errorf("formula: decode result: spill at %s is not an array", key)
		}
		arr.Origin = key
		r.Spills[key] = arr
	}
	for _, f := range w.Features {
		if r.FeatureData[f.FeatureID], err = cellsFromWire(f.Cells); err != nil {
			return nil, fmt.Errorf("formula: decode feature %s: %w", f.FeatureID, err)
		}
	}
	for _, n := range w.NotExecuted {
		r.NotExecuted = append(r.NotExecuted, NodeID{
			CellKey:   CellKey{UnitID: n.Unit, SheetID: n.Sheet, Row: n.Row, Column: n.Column},
			FeatureID: n.FeatureID,
		})
	}
	return r, nil
}
