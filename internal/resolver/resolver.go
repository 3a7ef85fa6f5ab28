// Package resolver maps logical tensor names to their byte locations in a
// sharded model, including the naming variants different exporters use.
package resolver

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/samcharles93/conduit/pkg/manifest"
)

var ErrTensorNotFound = errors.New("resolver: tensor not found")

// Prefixes are tried, in order, in front of every requested name.
var Prefixes = []string{
	"",
	"model.",
	"model.language_model.",
	"language_model.model.",
	"language_model.",
	"transformer.",
}

// TensorLocation is the resolved storage of one logical tensor.
type TensorLocation struct {
	Name   string
	Spans  []manifest.Span
	Size   uint64
	Shape  []int
	DType  manifest.DType
	Layout manifest.Layout
}

// Elements returns the number of values in the tensor.
func (l TensorLocation) Elements() int {
	n := 1
	for _, d := range l.Shape {
		n *= d
	}
	return n
}

// Shards returns the distinct shard indices touched by l in span order.
func (l TensorLocation) Shards() []int {
	out := make([]int, 0, len(l.Spans))
	for _, sp := range l.Spans {
		if !slices.Contains(out, sp.Shard) {
			out = append(out, sp.Shard)
		}
	}
	return out
}

// MissingTensorError reports a required tensor that no candidate name
// resolved. Layer is -1 for model-level tensors.
type MissingTensorError struct {
	Layer int
	Names []string
	Tried int
}

func (e *MissingTensorError) Error() string {
	if e.Layer >= 0 {
		return fmt.Sprintf("layer %d: missing tensor %s (tried %d names)", e.Layer, strings.Join(e.Names, " | "), e.Tried)
	}
	return fmt.Sprintf("missing tensor %s (tried %d names)", strings.Join(e.Names, " | "), e.Tried)
}

func (e *MissingTensorError) Unwrap() error { return ErrTensorNotFound }

// Resolver is an immutable name index over one manifest.
type Resolver struct {
	m          *manifest.Manifest
	index      map[string]TensorLocation
	normOffset bool
}

// New indexes every tensor of m.
func New(m *manifest.Manifest) *Resolver {
	r := &Resolver{
		m:          m,
		index:      make(map[string]TensorLocation, len(m.Tensors)),
		normOffset: NormOffset(m),
	}
	for name, t := range m.Tensors {
		layout := t.Layout
		if layout == "" {
			layout = manifest.LayoutRow
		}
		r.index[name] = TensorLocation{
			Name:   name,
			Spans:  slices.Clone(t.Locations()),
			Size:   t.Size,
			Shape:  slices.Clone(t.Shape),
			DType:  t.DType,
			Layout: layout,
		}
	}
	return r
}

// Manifest returns the manifest the resolver was built from.
func (r *Resolver) Manifest() *manifest.Manifest { return r.m }

// IsMoE reports whether the model routes its FFN through experts.
func (r *Resolver) IsMoE() bool { return r.m.IsMoE() }

// NormOffset reports whether norm weights need the 1+w correction.
func (r *Resolver) NormOffset() bool { return r.normOffset }

// Len returns the number of indexed tensors.
func (r *Resolver) Len() int { return len(r.index) }

// Resolve looks name up directly and then through the alias candidates.
// The first candidate present in the manifest wins.
func (r *Resolver) Resolve(name string) (TensorLocation, bool) {
	if loc, ok := r.index[name]; ok {
		return loc, true
	}
	for _, c := range Candidates(name) {
		if loc, ok := r.index[c]; ok {
			return loc, true
		}
	}
	return TensorLocation{}, false
}

// ResolveAny tries each canonical name in order.
func (r *Resolver) ResolveAny(names ...string) (TensorLocation, bool) {
	for _, n := range names {
		if loc, ok := r.Resolve(n); ok {
			return loc, true
		}
	}
	return TensorLocation{}, false
}

// Require is ResolveAny that reports a MissingTensorError on failure.
func (r *Resolver) Require(layer int, names ...string) (TensorLocation, error) {
	if loc, ok := r.ResolveAny(names...); ok {
		return loc, nil
	}
	tried := 0
	for _, n := range names {
		tried += len(Candidates(n))
	}
	return TensorLocation{}, &MissingTensorError{Layer: layer, Names: names, Tried: tried}
}

var layerBlk = regexp.MustCompile(`(^|\.)blk\.(\d+)\.`)
var layerLayers = regexp.MustCompile(`(^|\.)layers\.(\d+)\.`)

// Candidates returns the ordered alias list for name: first every prefix
// on the name as given, then every structural variant under every prefix.
// Duplicates keep their first position.
func Candidates(name string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	for _, p := range Prefixes {
		add(p + name)
	}
	for _, v := range structuralVariants(name) {
		for _, p := range Prefixes {
			add(p + v)
		}
	}
	return out
}

func structuralVariants(name string) []string {
	base := stripPrefix(name)
	bases := []string{base}
	if alt := swapLayerPrefix(base); alt != base {
		bases = append(bases, alt)
	}

	var out []string
	for _, b := range bases {
		for _, attn := range []string{b, swapToken(b, "attention", "self_attn")} {
			for _, ffn := range []string{attn, swapToken(attn, "ffn", "mlp")} {
				out = append(out, ffn, toggleWeight(ffn))
			}
		}
	}
	return out
}

func stripPrefix(name string) string {
	// longest prefix first so "model.language_model." beats "model."
	best := ""
	for _, p := range Prefixes {
		if p != "" && strings.HasPrefix(name, p) && len(p) > len(best) {
			best = p
		}
	}
	return strings.TrimPrefix(name, best)
}

func swapLayerPrefix(name string) string {
	if layerBlk.MatchString(name) {
		return layerBlk.ReplaceAllString(name, "${1}layers.${2}.")
	}
	return layerLayers.ReplaceAllString(name, "${1}blk.${2}.")
}

// swapToken exchanges dotted components a and b.
func swapToken(name, a, b string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		switch p {
		case a:
			parts[i] = b
		case b:
			parts[i] = a
		}
	}
	return strings.Join(parts, ".")
}

func toggleWeight(name string) string {
	if s, ok := strings.CutSuffix(name, ".weight"); ok {
		return s
	}
	return name + ".weight"
}
