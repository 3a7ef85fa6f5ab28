package resolver

import (
	"strings"

	"github.com/samcharles93/conduit/pkg/manifest"
)

// deltaNormFamilies store RMS norm weights as an offset from one.
var deltaNormFamilies = map[string]bool{
	"gemma":       true,
	"gemma2":      true,
	"gemma3":      true,
	"gemma3_text": true,
}

// bakedNormFormats already fold the +1 into the stored weights.
var bakedNormFormats = map[string]bool{
	manifest.SourceGGUF: true,
}

// NormOffset reports whether norm weights of m must be loaded as 1+w. It
// depends only on the architecture and source-format tags.
func NormOffset(m *manifest.Manifest) bool {
	arch := strings.ToLower(m.Architecture)
	src := strings.ToLower(m.SourceFormat)
	return deltaNormFamilies[arch] && !bakedNormFormats[src]
}

// IsNormWeight reports whether name is an RMS norm weight.
func IsNormWeight(name string) bool {
	base := strings.TrimSuffix(name, ".weight")
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		base = base[i+1:]
	}
	return base == "norm" || strings.HasSuffix(base, "_norm") || strings.HasSuffix(base, "layernorm")
}
