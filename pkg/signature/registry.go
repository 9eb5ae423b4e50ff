// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package signature

// Registry indexes signatures by hook code. It is built once from
// configuration and is read-only afterward, so lookups need no locking.
type Registry struct {
	byCode map[string][]Signature
	count  int
}

// NewRegistry builds a registry. Several signatures may share a code; they
// are returned by Match in configuration order.
func NewRegistry(sigs []Signature) *Registry {
	r := &Registry{
		byCode: make(map[string][]Signature, len(sigs)),
		count:  len(sigs),
	}
	for _, s := range sigs {
		r.byCode[s.Code] = append(r.byCode[s.Code], s)
	}
	return r
}

// Match returns every signature whose code equals the observed code exactly.
// A nil result means the hook stays unmonitored.
func (r *Registry) Match(code string) []Signature {
	if r == nil {
		return nil
	}
	return r.byCode[code]
}

// Len returns the number of configured signatures.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return r.count
}
