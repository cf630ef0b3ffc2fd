// Package compat adapts OpenAI-canonical payloads to provider-native shapes
// and back. Payloads stay raw JSON; all reshaping goes through gjson/sjson so
// unknown fields survive untouched.
package compat

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Transform enumerates the rule kinds the mapping engine applies.
type Transform string

const (
	TransformMapping  Transform = "mapping"
	TransformRename   Transform = "rename"
	TransformDelete   Transform = "delete"
	TransformConstant Transform = "constant"
)

// TransformationRule is one reshaping step. Paths are dotted keys; a "*"
// segment fans out over every element of the array at that position.
type TransformationRule struct {
	ID         string
	Transform  Transform
	SourcePath string
	TargetPath string
	// Mapping translates the source value for TransformMapping. Values
	// absent from the table pass through unchanged.
	Mapping map[string]string
	// Value is the literal written by TransformConstant.
	Value any
}

// ApplyRules runs the rules in order over the JSON document.
func ApplyRules(doc []byte, rules []TransformationRule) ([]byte, error) {
	var err error
	for _, rule := range rules {
		doc, err = applyRule(doc, rule)
		if err != nil {
			return nil, fmt.Errorf("compat: rule %s: %w", rule.ID, err)
		}
	}
	return doc, nil
}

func applyRule(doc []byte, rule TransformationRule) ([]byte, error) {
	switch rule.Transform {
	case TransformConstant:
		for _, target := range expandPaths(doc, rule.TargetPath) {
			var err error
			doc, err = sjson.SetBytes(doc, target, rule.Value)
			if err != nil {
				return nil, err
			}
		}
		return doc, nil
	case TransformDelete:
		return deleteAll(doc, rule.SourcePath)
	case TransformRename:
		return renameAll(doc, rule.SourcePath, rule.TargetPath)
	case TransformMapping:
		for _, source := range expandPaths(doc, rule.SourcePath) {
			value := gjson.GetBytes(doc, source)
			if !value.Exists() {
				continue
			}
			mapped, ok := rule.Mapping[value.String()]
			if !ok {
				continue
			}
			target := source
			if rule.TargetPath != "" {
				target = rule.TargetPath
			}
			var err error
			doc, err = sjson.SetBytes(doc, target, mapped)
			if err != nil {
				return nil, err
			}
		}
		return doc, nil
	default:
		return nil, fmt.Errorf("unknown transform %q", rule.Transform)
	}
}

func deleteAll(doc []byte, path string) ([]byte, error) {
	// Wildcard deletes walk indices high to low so positions stay stable.
	paths := expandPaths(doc, path)
	for i := len(paths) - 1; i >= 0; i-- {
		var err error
		doc, err = sjson.DeleteBytes(doc, paths[i])
		if err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func renameAll(doc []byte, sourcePath, targetPath string) ([]byte, error) {
	sources := expandPaths(doc, sourcePath)
	for i := len(sources) - 1; i >= 0; i-- {
		source := sources[i]
		value := gjson.GetBytes(doc, source)
		if !value.Exists() {
			continue
		}
		target := rebaseWildcardPath(source, sourcePath, targetPath)
		var err error
		doc, err = sjson.SetBytes(doc, target, value.Value())
		if err != nil {
			return nil, err
		}
		doc, err = sjson.DeleteBytes(doc, source)
		if err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// rebaseWildcardPath carries the concrete indices resolved for the source
// path over to the target path's wildcards.
func rebaseWildcardPath(concrete, sourcePattern, targetPattern string) string {
	if !strings.Contains(targetPattern, "*") {
		return targetPattern
	}
	concreteSegs := strings.Split(concrete, ".")
	sourceSegs := strings.Split(sourcePattern, ".")
	var indices []string
	for i, seg := range sourceSegs {
		if seg == "*" && i < len(concreteSegs) {
			indices = append(indices, concreteSegs[i])
		}
	}
	targetSegs := strings.Split(targetPattern, ".")
	j := 0
	for i, seg := range targetSegs {
		if seg == "*" && j < len(indices) {
			targetSegs[i] = indices[j]
			j++
		}
	}
	return strings.Join(targetSegs, ".")
}

// expandPaths resolves "*" wildcards against the document, producing concrete
// dotted paths. A path without wildcards is returned as-is.
func expandPaths(doc []byte, path string) []string {
	if path == "" {
		return nil
	}
	if !strings.Contains(path, "*") {
		return []string{path}
	}
	segs := strings.Split(path, ".")
	return expandSegments(doc, "", segs)
}

func expandSegments(doc []byte, prefix string, segs []string) []string {
	if len(segs) == 0 {
		return []string{prefix}
	}
	head, rest := segs[0], segs[1:]
	if head != "*" {
		next := head
		if prefix != "" {
			next = prefix + "." + head
		}
		return expandSegments(doc, next, rest)
	}
	var parent gjson.Result
	if prefix == "" {
		parent = gjson.ParseBytes(doc)
	} else {
		parent = gjson.GetBytes(doc, prefix)
	}
	if !parent.IsArray() {
		return nil
	}
	var out []string
	count := len(parent.Array())
	for i := 0; i < count; i++ {
		next := fmt.Sprintf("%d", i)
		if prefix != "" {
			next = fmt.Sprintf("%s.%d", prefix, i)
		}
		out = append(out, expandSegments(doc, next, rest)...)
	}
	return out
}
