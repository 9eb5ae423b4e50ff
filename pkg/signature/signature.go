// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package signature holds the configured hook signatures whose output should
// be embedded (intercepted and replaced) rather than only observed.
package signature

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Signature pairs a hook code string with the context triple the engine
// should use when embedding that hook.
//
// In configuration a signature is written as a 4-element sequence:
//
//	["HS-8@4A5B60:game.exe", 4869984, 0, 0]
//
// Addr is the address recorded when the signature was authored. It is kept
// for reference only; embedding always uses the address observed at runtime.
type Signature struct {
	Code string
	Addr uint64
	Ctx  uint64
	Ctx2 uint64
}

// UnmarshalYAML decodes the [code, addr, ctx, ctx2] tuple form.
func (s *Signature) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: hook signature must be a sequence, got %s", node.Line, kindName(node.Kind))
	}
	if len(node.Content) != 4 {
		return fmt.Errorf("line %d: hook signature needs 4 elements [code, addr, ctx, ctx2], got %d", node.Line, len(node.Content))
	}

	var sig Signature
	if err := node.Content[0].Decode(&sig.Code); err != nil {
		return fmt.Errorf("line %d: hook code: %w", node.Line, err)
	}
	fields := []*uint64{&sig.Addr, &sig.Ctx, &sig.Ctx2}
	for i, dst := range fields {
		if err := node.Content[i+1].Decode(dst); err != nil {
			return fmt.Errorf("line %d: hook signature element %d: %w", node.Line, i+1, err)
		}
	}

	*s = sig
	return nil
}

// MarshalYAML encodes the signature back into its tuple form.
func (s Signature) MarshalYAML() (interface{}, error) {
	return []interface{}{s.Code, s.Addr, s.Ctx, s.Ctx2}, nil
}

func (s Signature) String() string {
	return fmt.Sprintf("%s addr=%#x ctx=%#x ctx2=%#x", s.Code, s.Addr, s.Ctx, s.Ctx2)
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.DocumentNode:
		return "document"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}
