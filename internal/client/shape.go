package client

// In this file: pure shaping of raw Dataverse documents. No network calls.

import "strings"

// StripPrivileges removes the Privileges property from an entity definition
// if present. Everything else passes through unchanged.
func StripPrivileges(doc map[string]any) map[string]any {
	if doc != nil {
		delete(doc, "Privileges")
	}
	return doc
}

// FilterAttributes removes shadow attributes from an attribute list response:
//
//  1. every attribute whose logical name ends with "yominame"
//     (transliteration shadows), then
//  2. every attribute "Xname" (longer than four characters) for which a
//     distinct attribute "X" survives pass 1 (redundant lookup-label fields).
//
// Relative order of the surviving attributes is preserved. A response
// without a value array passes through unchanged.
//
// The name-suffix rule is a heuristic over Dataverse's lookup naming
// convention and is kept as-is for compatibility with existing consumers.
func FilterAttributes(doc map[string]any) map[string]any {
	items := ValueList(doc)
	if items == nil {
		return doc
	}

	// Pass 1: drop yomi shadows.
	pass1 := make([]any, 0, len(items))
	for _, it := range items {
		if strings.HasSuffix(logicalName(it), "yominame") {
			continue
		}
		pass1 = append(pass1, it)
	}

	// Pass 2: index base names and 'name'-suffixed candidates.
	baseNames := make(map[string]bool)
	nameSuffixed := make(map[string]string) // base name -> full logical name
	for _, it := range pass1 {
		ln := logicalName(it)
		if strings.HasSuffix(ln, "name") && len(ln) > 4 {
			nameSuffixed[ln[:len(ln)-4]] = ln
		} else {
			baseNames[ln] = true
		}
	}

	drop := make(map[string]bool)
	for base, full := range nameSuffixed {
		if baseNames[base] {
			drop[full] = true
		}
	}

	kept := make([]any, 0, len(pass1))
	for _, it := range pass1 {
		if !drop[logicalName(it)] {
			kept = append(kept, it)
		}
	}

	doc["value"] = kept
	return doc
}

// FilterOneToMany removes one-to-many relationships whose referencing entity
// is a first-party (msdyn_) or portal (adx_) internal entity. A response
// without a value array passes through unchanged.
func FilterOneToMany(doc map[string]any) map[string]any {
	items := ValueList(doc)
	if items == nil {
		return doc
	}

	kept := make([]any, 0, len(items))
	for _, it := range items {
		referencing := stringField(it, "ReferencingEntity")
		if strings.HasPrefix(referencing, "msdyn_") || strings.HasPrefix(referencing, "adx_") {
			continue
		}
		kept = append(kept, it)
	}

	doc["value"] = kept
	return doc
}

// ValueList returns the "value" array of an OData list response, or nil if
// the document has none. Callers treat nil as an empty list.
func ValueList(doc map[string]any) []any {
	if doc == nil {
		return nil
	}
	items, ok := doc["value"].([]any)
	if !ok {
		return nil
	}
	return items
}

// logicalName extracts the LogicalName field of a list item.
func logicalName(item any) string {
	return stringField(item, "LogicalName")
}

// stringField extracts a string field from a decoded list item, returning ""
// for any shape mismatch.
func stringField(item any, key string) string {
	m, ok := item.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
