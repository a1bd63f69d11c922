package histogram

import (
	"encoding/json"
	"fmt"

	"github.com/vlhc/tunelab/internal/tune"
	"github.com/vlhc/tunelab/internal/wire"
)

const maxNameLen = 255

// Pack serializes the collection into an uncompressed intermediate frame.
// Histograms are written in name order so packing is deterministic.
func (c *IntermediateCollection) Pack() ([]byte, error) {
	var w wire.Writer
	w.U8(wire.Protocol)
	w.U32(uint32(len(c.Histograms))) //nolint:gosec // histogram count is small
	w.U8(c.State)
	for _, name := range c.Names() {
		m := c.Histograms[name]
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if len(m.Name) > maxNameLen {
			return nil, fmt.Errorf("histogram: name %q longer than %d bytes", m.Name, maxNameLen)
		}
		nevts, xsec, _ := m.Stats()
		w.U32(uint32(m.Bins())) //nolint:gosec // bin count is small
		w.U64(nevts)
		w.F64(xsec)
		w.U8(uint8(len(m.Name)))
		w.Raw([]byte(m.Name))
		for _, v := range [][]float64{m.XLow, m.XFocus, m.XHigh, m.Entries, m.SumW, m.SumW2, m.SumXW, m.SumX2W} {
			w.F64s(v)
		}
	}
	return w.Bytes(), nil
}

// UnpackIntermediate parses an uncompressed intermediate frame.
func UnpackIntermediate(raw []byte) (*IntermediateCollection, error) {
	r := wire.NewReader(raw)
	if p := r.U8(); r.Err() == nil && p != wire.Protocol {
		return nil, fmt.Errorf("histogram: unsupported frame protocol %d", p)
	}
	count := r.U32()
	c := NewIntermediateCollection()
	c.State = r.U8()
	for range count {
		if r.Err() != nil {
			break
		}
		bins := int(r.U32())
		nevts := r.U64()
		xsec := r.F64()
		name := string(r.Raw(int(r.U8())))
		m := &Intermediate{Name: name}
		m.XLow = r.F64s(bins)
		m.XFocus = r.F64s(bins)
		m.XHigh = r.F64s(bins)
		m.Entries = r.F64s(bins)
		m.SumW = r.F64s(bins)
		m.SumW2 = r.F64s(bins)
		m.SumXW = r.F64s(bins)
		m.SumX2W = r.F64s(bins)
		m.SetStats(nevts, xsec)
		c.Add(m)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("histogram: unpack intermediate: %w", err)
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("histogram: unpack intermediate: %d trailing bytes", r.Remaining())
	}
	return c, nil
}

// Encode packs, compresses and base64-encodes the collection.
func (c *IntermediateCollection) Encode() (string, error) {
	raw, err := c.Pack()
	if err != nil {
		return "", err
	}
	return wire.Encode(raw)
}

// DecodeIntermediate reverses IntermediateCollection.Encode.
func DecodeIntermediate(s string) (*IntermediateCollection, error) {
	raw, err := wire.Decode(s)
	if err != nil {
		return nil, err
	}
	return UnpackIntermediate(raw)
}

type interpolatableDoc struct {
	Lab        string       `json:"lab"`
	Tune       []tune.Param `json:"tune"`
	Histograms []FitMeta    `json:"histograms"`
}

// Pack serializes the collection into an uncompressed interpolatable frame:
// protocol, coefficient byte length, metadata byte length, coefficients,
// then a JSON document with the lab, tune and per-histogram metadata.
func (c *InterpolatableCollection) Pack() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	meta := c.Meta
	if meta == nil {
		meta = []FitMeta{}
	}
	params := c.Tune.Params
	if params == nil {
		params = []tune.Param{}
	}
	doc, err := json.Marshal(interpolatableDoc{Lab: c.Tune.Lab, Tune: params, Histograms: meta})
	if err != nil {
		return nil, fmt.Errorf("histogram: marshal metadata: %w", err)
	}

	var w wire.Writer
	w.U8(wire.Protocol)
	w.U32(uint32(8 * len(c.Coefficients))) //nolint:gosec // bounded by histogram count
	w.U32(uint32(len(doc)))                //nolint:gosec // bounded by histogram count
	w.F64s(c.Coefficients)
	w.Raw(doc)
	return w.Bytes(), nil
}

// UnpackInterpolatable parses an uncompressed interpolatable frame.
func UnpackInterpolatable(raw []byte) (*InterpolatableCollection, error) {
	r := wire.NewReader(raw)
	if p := r.U8(); r.Err() == nil && p != wire.Protocol {
		return nil, fmt.Errorf("histogram: unsupported frame protocol %d", p)
	}
	coeffLen := int(r.U32())
	metaLen := int(r.U32())
	if coeffLen%8 != 0 {
		return nil, fmt.Errorf("histogram: coefficient block of %d bytes", coeffLen)
	}
	coeffs := r.F64s(coeffLen / 8)
	doc := r.Raw(metaLen)
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("histogram: unpack interpolatable: %w", err)
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("histogram: unpack interpolatable: %d trailing bytes", r.Remaining())
	}

	var d interpolatableDoc
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("histogram: unmarshal metadata: %w", err)
	}
	c := &InterpolatableCollection{
		Tune:         tune.Tune{Lab: d.Lab, Params: d.Tune},
		Coefficients: coeffs,
		Meta:         d.Histograms,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Encode packs, compresses and base64-encodes the collection.
func (c *InterpolatableCollection) Encode() (string, error) {
	raw, err := c.Pack()
	if err != nil {
		return "", err
	}
	return wire.Encode(raw)
}

// DecodeInterpolatable reverses InterpolatableCollection.Encode.
func DecodeInterpolatable(s string) (*InterpolatableCollection, error) {
	raw, err := wire.Decode(s)
	if err != nil {
		return nil, err
	}
	return UnpackInterpolatable(raw)
}
