// Package manifest normalizes plugin distribution manifests. The external
// discovery pipeline introspects each release and deposits either the parsed
// contribution manifest or an error marker document in blob storage; this
// package turns whatever was deposited (including nothing at all) into the
// fixed field set the aggregator folds into the canonical record.
package manifest

import (
	"log/slog"
	"regexp"
)

// Formatted field keys in the normalized manifest output.
const (
	KeyDisplayName          = "display_name"
	KeyPluginTypes          = "plugin_types"
	KeyReaderFileExtensions = "reader_file_extensions"
	KeyWriterFileExtensions = "writer_file_extensions"
	KeyWriterSaveLayers     = "writer_save_layers"
	KeyNPE2                 = "npe2"

	// ErrorKey marks a deposited document as a failed discovery attempt.
	ErrorKey = "error"
)

// contributionTypes maps each manifest contribution kind to the plugin type
// tag it implies, in the order types are reported.
var contributionTypes = []struct {
	contribution string
	pluginType   string
}{
	{"readers", "reader"},
	{"writers", "writer"},
	{"themes", "theme"},
	{"widgets", "widget"},
	{"sample_data", "sample_data"},
}

// layerTypeRE extracts the base layer type from a writer layer-type pattern,
// stripping any trailing quantifier ("points+" and "image{1,3}" count as
// points and image).
var layerTypeRE = regexp.MustCompile(`^(image|labels|points|shapes|surface|tracks|vectors)`)

// Format converts a deposited manifest document into the normalized field
// set. A nil document (nothing deposited yet) and an error marker document
// both log a warning and yield the empty default, so the aggregator never
// sees a partial manifest.
func Format(doc map[string]any, plugin, version string) map[string]any {
	out := map[string]any{
		KeyDisplayName:          "",
		KeyPluginTypes:          []string{},
		KeyReaderFileExtensions: []string{},
		KeyWriterFileExtensions: []string{},
		KeyWriterSaveLayers:     []string{},
	}

	logger := slog.Default().With("component", "manifest", "plugin", plugin, "version", version)
	if doc == nil {
		logger.Warn("manifest not yet discovered, using default attributes")
		return out
	}
	if msg, ok := doc[ErrorKey]; ok {
		logger.Warn("manifest discovery failed, using default attributes", "error", msg)
		return out
	}

	shim, _ := doc["npe1_shim"].(bool)
	out[KeyNPE2] = !shim

	if name, ok := doc["display_name"].(string); ok {
		out[KeyDisplayName] = name
	}

	contributions, _ := doc["contributions"].(map[string]any)

	var pluginTypes []string
	for _, ct := range contributionTypes {
		if len(asSlice(contributions[ct.contribution])) > 0 {
			pluginTypes = append(pluginTypes, ct.pluginType)
		}
	}
	if len(pluginTypes) > 0 {
		out[KeyPluginTypes] = pluginTypes
	}

	if exts := collectStrings(contributions["readers"], "filename_patterns", nil); len(exts) > 0 {
		out[KeyReaderFileExtensions] = exts
	}
	if exts := collectStrings(contributions["writers"], "filename_extensions", nil); len(exts) > 0 {
		out[KeyWriterFileExtensions] = exts
	}
	if layers := collectStrings(contributions["writers"], "layer_types", baseLayerType); len(layers) > 0 {
		out[KeyWriterSaveLayers] = layers
	}

	return out
}

// baseLayerType reduces a layer-type pattern to its allow-listed base type,
// returning "" for patterns outside the allow-list.
func baseLayerType(pattern string) string {
	return layerTypeRE.FindString(pattern)
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

// collectStrings unions the string entries of field across every contribution
// in the list, preserving first-seen order. A non-nil transform is applied to
// each entry first; entries transformed to "" are dropped.
func collectStrings(contributions any, field string, transform func(string) string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, entry := range asSlice(contributions) {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		for _, raw := range asSlice(m[field]) {
			s, ok := raw.(string)
			if !ok {
				continue
			}
			if transform != nil {
				s = transform(s)
			}
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
