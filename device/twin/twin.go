// Package twin holds the device side view of the device twin.
//
// The desired properties are kept in a Cell. A change notification from the hub
// replaces the whole view; readers always see either the old or the new view,
// never a mix of both.
package twin

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"github.com/goccy/go-json"
)

// ErrMissingProperty is returned when a property is not part of a view
var ErrMissingProperty = errors.New("missing property")

// VersionKey is the metadata key carrying the version of a property set
const VersionKey = "$version"

// Properties is a set of twin properties. A Properties value stored in a Cell
// is never modified.
type Properties map[string]interface{}

// Document is a full twin document as returned by the hub
type Document struct {
	Desired  Properties `json:"desired"`
	Reported Properties `json:"reported"`
	// DesiredVersion is the version of the desired properties, 0 if unknown
	DesiredVersion int `json:"-"`
}

// ParseDocument parses a twin document. Metadata is removed from both property sets.
func ParseDocument(data []byte) (*Document, error) {
	doc := &Document{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("invalid twin document: %w", err)
	}
	doc.DesiredVersion, _ = doc.Desired.Int(VersionKey)
	doc.Desired = doc.Desired.withoutMetadata()
	doc.Reported = doc.Reported.withoutMetadata()
	return doc, nil
}

// ParseProperties parses a property set, for example a desired property patch.
// Metadata is removed, the version is returned separately (0 if absent).
func ParseProperties(data []byte) (Properties, int, error) {
	var p Properties
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, 0, fmt.Errorf("invalid twin properties: %w", err)
	}
	version, _ := p.Int(VersionKey)
	return p.withoutMetadata(), version, nil
}

func (p Properties) withoutMetadata() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		if strings.HasPrefix(k, "$") {
			continue
		}
		out[k] = v
	}
	return out
}

// Copy returns a shallow copy of p
func (p Properties) Copy() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Int returns the property key as an integer. It fails with ErrMissingProperty if the
// key does not exist, and with an error if the value is not an integral number.
func (p Properties) Int(key string) (int, error) {
	v, ok := p[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingProperty, key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || n > math.MaxInt32 || n < math.MinInt32 {
			return 0, fmt.Errorf("property %s is not an integer: %v", key, n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("property %s is not an integer: %s", key, n)
		}
		return int(i), nil
	default:
		return 0, fmt.Errorf("property %s is not a number: %v", key, v)
	}
}

// Cell holds the current desired properties view
type Cell struct {
	p atomic.Pointer[Properties]
}

// NewCell returns a cell holding a copy of p
func NewCell(p Properties) *Cell {
	c := &Cell{}
	c.Replace(p)
	return c
}

// Load returns the current view. The caller must not modify it.
func (c *Cell) Load() Properties {
	p := c.p.Load()
	if p == nil {
		return Properties{}
	}
	return *p
}

// Replace swaps in a copy of p as the new view
func (c *Cell) Replace(p Properties) {
	cp := p.Copy()
	c.p.Store(&cp)
}
