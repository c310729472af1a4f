// Package encode renders stored events back into EPCIS wire formats: 2.0
// XML, 1.2 XML, 2.0 JSON-LD, and the 1.2 SOAP envelope.
package encode

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/trackvision/tv-epcis-repository/types"
)

// fieldNode is one reconstructed node of an extension subtree.
type fieldNode struct {
	field    types.Field
	attrs    []types.Field
	children []*fieldNode
}

func isAttribute(t types.FieldType) bool {
	switch t {
	case types.FieldIlmdAttribute, types.FieldExtensionAttribute, types.FieldSensorMetadataAttr:
		return true
	}
	return false
}

// buildFieldTree rebuilds the DFS forest from the flat field list. Children
// are pre-bucketed by parentIndex in one pass; a per-child scan over the
// whole list would go quadratic on large extension payloads.
func buildFieldTree(fields []types.Field) []*fieldNode {
	nodes := make(map[int]*fieldNode, len(fields))
	attrsByParent := make(map[int][]types.Field)
	childrenByParent := make(map[int][]*fieldNode)
	var rootIndexes []int

	for _, f := range fields {
		if isAttribute(f.Type) {
			if f.ParentIndex != nil {
				attrsByParent[*f.ParentIndex] = append(attrsByParent[*f.ParentIndex], f)
			}
			continue
		}
		node := &fieldNode{field: f}
		nodes[f.Index] = node
		if f.ParentIndex == nil {
			rootIndexes = append(rootIndexes, f.Index)
		} else {
			childrenByParent[*f.ParentIndex] = append(childrenByParent[*f.ParentIndex], node)
		}
	}

	for parent, children := range childrenByParent {
		node, ok := nodes[parent]
		if !ok {
			continue
		}
		sort.Slice(children, func(i, j int) bool { return children[i].field.Index < children[j].field.Index })
		node.children = children
	}
	for parent, attrs := range attrsByParent {
		if node, ok := nodes[parent]; ok {
			sort.Slice(attrs, func(i, j int) bool { return attrs[i].Index < attrs[j].Index })
			node.attrs = attrs
		}
	}

	sort.Ints(rootIndexes)
	roots := make([]*fieldNode, 0, len(rootIndexes))
	for _, idx := range rootIndexes {
		roots = append(roots, nodes[idx])
	}
	return roots
}

// fieldsOfTypes filters an event's flat list down to the given type tags,
// optionally pinned to one entity index.
func fieldsOfTypes(fields []types.Field, entity *int, fieldTypes ...types.FieldType) []types.Field {
	wanted := make(map[types.FieldType]bool, len(fieldTypes)+2)
	for _, t := range fieldTypes {
		wanted[t] = true
		// attribute companions travel with their element type
		switch t {
		case types.FieldIlmd:
			wanted[types.FieldIlmdAttribute] = true
		case types.FieldExtension, types.FieldErrorDeclaration,
			types.FieldSensorElementExtension, types.FieldSensorReportExtension:
			wanted[types.FieldExtensionAttribute] = true
		}
	}
	out := make([]types.Field, 0, len(fields))
	for _, f := range fields {
		if !wanted[f.Type] {
			continue
		}
		if entity != nil && (f.EntityIndex == nil || *f.EntityIndex != *entity) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// fieldValue renders the best slot of a field: text wins, then numeric,
// then date.
func fieldValue(f *types.Field) string {
	switch {
	case f.TextValue != nil:
		return *f.TextValue
	case f.NumericValue != nil:
		return trimFloat(*f.NumericValue)
	case f.DateValue != nil:
		return f.DateValue.UTC().Format("2006-01-02T15:04:05.000Z")
	}
	return ""
}

// fieldValueJSON keeps numeric slots as numbers so the JSON emitters round
// trip what the JSON decoder parsed. Everything else falls back to the
// string rendering.
func fieldValueJSON(f *types.Field) interface{} {
	if f.NumericValue != nil {
		return *f.NumericValue
	}
	return fieldValue(f)
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// prefixTable hands out one stable prefix per extension namespace.
type prefixTable struct {
	prefixes map[string]string // uri -> prefix
	order    []string
}

func newPrefixTable() *prefixTable {
	return &prefixTable{prefixes: map[string]string{}}
}

func (p *prefixTable) prefixFor(namespace string) string {
	if namespace == "" {
		return ""
	}
	if prefix, ok := p.prefixes[namespace]; ok {
		return prefix
	}
	prefix := fmt.Sprintf("ext%d", len(p.prefixes)+1)
	p.prefixes[namespace] = prefix
	p.order = append(p.order, namespace)
	return prefix
}
