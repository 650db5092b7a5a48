// Package prompts holds the fixed Markdown prompt templates for the
// PowerPlatform MCP server and the builders that fill them from Dataverse
// metadata.
//
// Substitution policy: every known placeholder is filled exactly once;
// an unfilled required placeholder is an error; {{...}} tokens outside the
// known set survive verbatim. Consumers rely on the last point.
package prompts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dataverse-tools/powerplatform-mcp/internal/client"
)

// Kind selects one of the fixed prompt templates.
type Kind string

const (
	KindEntityOverview   Kind = "ENTITY_OVERVIEW"
	KindAttributeDetails Kind = "ATTRIBUTE_DETAILS"
	KindQueryTemplate    Kind = "QUERY_TEMPLATE"
	KindRelationshipMap  Kind = "RELATIONSHIP_MAP"
)

// Kinds lists every valid prompt kind.
var Kinds = []Kind{KindEntityOverview, KindAttributeDetails, KindQueryTemplate, KindRelationshipMap}

// ParseKind validates a promptType argument.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if Kind(s) == k {
			return k, nil
		}
	}
	names := make([]string, len(Kinds))
	for i, k := range Kinds {
		names[i] = string(k)
	}
	return "", fmt.Errorf("unknown promptType %q (must be one of: %s)", s, strings.Join(names, ", "))
}

// MetadataSource is the subset of the Dataverse client the builders need.
type MetadataSource interface {
	GetEntityMetadata(ctx context.Context, entityName string) (map[string]any, error)
	GetEntityAttributes(ctx context.Context, entityName string) (map[string]any, error)
	GetEntityAttribute(ctx context.Context, entityName, attributeName string) (map[string]any, error)
	GetEntityRelationships(ctx context.Context, entityName string) (*client.RelationshipSet, error)
}

// Build renders the prompt of the given kind. attributeName is only
// consulted for ATTRIBUTE_DETAILS.
func Build(ctx context.Context, src MetadataSource, kind Kind, entityName, attributeName string) (string, error) {
	switch kind {
	case KindEntityOverview:
		return EntityOverview(ctx, src, entityName)
	case KindAttributeDetails:
		return AttributeDetails(ctx, src, entityName, attributeName)
	case KindQueryTemplate:
		return QueryTemplate(ctx, src, entityName)
	case KindRelationshipMap:
		return RelationshipMap(ctx, src, entityName)
	default:
		return "", fmt.Errorf("unknown prompt kind %q", kind)
	}
}

// Templates. The {{placeholder}} tokens are filled by render; entity names
// are interpolated directly because they come from the request, not from
// fetched data.

func entityOverviewTemplate(entityName string) string {
	return fmt.Sprintf("## Power Platform Entity: %s\n\n"+
		"This is an overview of the '%s' entity in Microsoft Power Platform/Dataverse:\n\n"+
		"### Entity Details\n{{entity_details}}\n\n"+
		"### Attributes\n{{key_attributes}}\n\n"+
		"### Relationships\n{{relationships}}\n\n"+
		"You can query this entity using OData filters against the plural name.",
		entityName, entityName)
}

func attributeDetailsTemplate(entityName, attributeName string) string {
	return fmt.Sprintf("## Attribute: %s\n\n"+
		"Details for the '%s' attribute of the '%s' entity:\n\n"+
		"{{attribute_details}}\n\n"+
		"### Usage Notes\n"+
		"- Data Type: {{data_type}}\n"+
		"- Required: {{required}}\n"+
		"- Max Length: {{max_length}}",
		attributeName, attributeName, entityName)
}

func queryTemplateTemplate(entityNamePlural string) string {
	return fmt.Sprintf("## OData Query Template for %s\n\n"+
		"Use this template to build queries against the %s entity:\n\n"+
		"```\n%s?$select={{selected_fields}}&$filter={{filter_conditions}}&$orderby={{order_by}}&$top={{max_records}}\n```\n\n"+
		"### Common Filter Examples\n"+
		"- Equals: `name eq 'Contoso'`\n"+
		"- Contains: `contains(name, 'Contoso')`\n"+
		"- Greater than date: `createdon gt 2023-01-01T00:00:00Z`\n"+
		"- Multiple conditions: `name eq 'Contoso' and statecode eq 0`",
		entityNamePlural, entityNamePlural, entityNamePlural)
}

func relationshipMapTemplate(entityName string) string {
	return fmt.Sprintf("## Relationship Map for %s\n\n"+
		"This shows all relationships for the '%s' entity:\n\n"+
		"### One-to-Many Relationships (%s as Primary)\n{{one_to_many_primary}}\n\n"+
		"### One-to-Many Relationships (%s as Related)\n{{one_to_many_related}}\n\n"+
		"### Many-to-Many Relationships\n{{many_to_many}}\n\n",
		entityName, entityName, entityName, entityName)
}

// render substitutes each {{key}} of values into the template and verifies
// that no required placeholder survived. Tokens outside values are left
// verbatim.
func render(template string, values map[string]string, required []string) (string, error) {
	out := template
	for k, v := range values {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	for _, k := range required {
		if strings.Contains(out, "{{"+k+"}}") {
			return "", fmt.Errorf("prompt placeholder %q left unfilled", k)
		}
	}
	return out, nil
}

// EntityOverview renders the ENTITY_OVERVIEW prompt: entity details, the
// shaped attribute list, and relationship counts.
func EntityOverview(ctx context.Context, src MetadataSource, entityName string) (string, error) {
	metadata, err := src.GetEntityMetadata(ctx, entityName)
	if err != nil {
		return "", err
	}
	attributes, err := src.GetEntityAttributes(ctx, entityName)
	if err != nil {
		return "", err
	}
	relationships, err := src.GetEntityRelationships(ctx, entityName)
	if err != nil {
		return "", err
	}

	entityDetails := fmt.Sprintf("- Display Name: %s\n- Schema Name: %s\n- Description: %s\n- Primary Key: %s\n- Primary Name: %s",
		localizedLabel(metadata, "DisplayName", entityName),
		str(metadata, "SchemaName"),
		localizedLabel(metadata, "Description", "No description"),
		str(metadata, "PrimaryIdAttribute"),
		str(metadata, "PrimaryNameAttribute"))

	var attrLines []string
	for _, it := range client.ValueList(attributes) {
		attrType := itemStr(it, "@odata.type")
		if attrType == "" {
			attrType = "Unknown type"
		}
		attrLines = append(attrLines, fmt.Sprintf("- %s: %s", itemStr(it, "LogicalName"), attrType))
	}

	relationshipsSummary := fmt.Sprintf("- One-to-Many Relationships: %d\n- Many-to-Many Relationships: %d",
		len(client.ValueList(relationships.OneToMany)),
		len(client.ValueList(relationships.ManyToMany)))

	return render(entityOverviewTemplate(entityName), map[string]string{
		"entity_details": entityDetails,
		"key_attributes": strings.Join(attrLines, "\n"),
		"relationships":  relationshipsSummary,
	}, []string{"entity_details", "key_attributes", "relationships"})
}

// AttributeDetails renders the ATTRIBUTE_DETAILS prompt for one attribute.
func AttributeDetails(ctx context.Context, src MetadataSource, entityName, attributeName string) (string, error) {
	attr, err := src.GetEntityAttribute(ctx, entityName, attributeName)
	if err != nil {
		return "", err
	}

	details, err := json.MarshalIndent(attr, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format attribute details: %w", err)
	}

	dataType := str(attr, "AttributeType")
	if dataType == "" {
		dataType = str(attr, "@odata.type")
	}
	if dataType == "" {
		dataType = "Unknown"
	}

	requiredLevel := "None"
	if rl, ok := attr["RequiredLevel"].(map[string]any); ok {
		if v, ok := rl["Value"].(string); ok && v != "" {
			requiredLevel = v
		}
	}

	maxLength := "N/A"
	if v, ok := attr["MaxLength"]; ok && v != nil {
		maxLength = fmt.Sprint(v)
	}

	return render(attributeDetailsTemplate(entityName, attributeName), map[string]string{
		"attribute_details": string(details),
		"data_type":         dataType,
		"required":          requiredLevel,
		"max_length":        maxLength,
	}, []string{"attribute_details", "data_type", "required", "max_length"})
}

// QueryTemplate renders the QUERY_TEMPLATE prompt: an OData query skeleton
// against the entity's plural set name, pre-filled from its metadata and the
// first five attribute logical names.
func QueryTemplate(ctx context.Context, src MetadataSource, entityName string) (string, error) {
	metadata, err := src.GetEntityMetadata(ctx, entityName)
	if err != nil {
		return "", err
	}
	attributes, err := src.GetEntityAttributes(ctx, entityName)
	if err != nil {
		return "", err
	}

	plural := str(metadata, "EntitySetName")
	if plural == "" {
		plural = entityName
	}
	primaryName := str(metadata, "PrimaryNameAttribute")
	if primaryName == "" {
		primaryName = "createdon"
	}

	var fields []string
	for _, it := range client.ValueList(attributes) {
		if ln := itemStr(it, "LogicalName"); ln != "" {
			fields = append(fields, ln)
		}
		if len(fields) == 5 {
			break
		}
	}
	if len(fields) == 0 {
		fields = []string{primaryName}
	}

	return render(queryTemplateTemplate(plural), map[string]string{
		"selected_fields":   strings.Join(fields, ","),
		"filter_conditions": "statecode eq 0",
		"order_by":          primaryName,
		"max_records":       "50",
	}, []string{"selected_fields", "filter_conditions", "order_by", "max_records"})
}

// RelationshipMap renders the RELATIONSHIP_MAP prompt: one-to-many
// relationships partitioned by which side the entity is on, plus
// many-to-many relationships. Empty sections render as "None found".
func RelationshipMap(ctx context.Context, src MetadataSource, entityName string) (string, error) {
	relationships, err := src.GetEntityRelationships(ctx, entityName)
	if err != nil {
		return "", err
	}

	var primary, related []string
	for _, it := range client.ValueList(relationships.OneToMany) {
		line := fmt.Sprintf("- %s: %s → %s (%s)",
			itemStr(it, "SchemaName"),
			itemStr(it, "ReferencedEntity"),
			itemStr(it, "ReferencingEntity"),
			itemStr(it, "ReferencingAttribute"))
		if itemStr(it, "ReferencedEntity") == entityName {
			primary = append(primary, line)
		}
		if itemStr(it, "ReferencingEntity") == entityName {
			related = append(related, line)
		}
	}

	var manyToMany []string
	for _, it := range client.ValueList(relationships.ManyToMany) {
		other := itemStr(it, "Entity1LogicalName")
		if other == entityName {
			other = itemStr(it, "Entity2LogicalName")
		}
		manyToMany = append(manyToMany, fmt.Sprintf("- %s: %s ↔ %s", itemStr(it, "SchemaName"), entityName, other))
	}

	return render(relationshipMapTemplate(entityName), map[string]string{
		"one_to_many_primary": bulleted(primary),
		"one_to_many_related": bulleted(related),
		"many_to_many":        bulleted(manyToMany),
	}, []string{"one_to_many_primary", "one_to_many_related", "many_to_many"})
}

// bulleted joins bullet lines, or returns "None found" for an empty section.
func bulleted(lines []string) string {
	if len(lines) == 0 {
		return "None found"
	}
	return strings.Join(lines, "\n")
}

// str extracts a top-level string field of a document.
func str(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

// itemStr extracts a string field of a decoded list item.
func itemStr(item any, key string) string {
	m, ok := item.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// localizedLabel digs out field.UserLocalizedLabel.Label, falling back when
// any level is missing.
func localizedLabel(doc map[string]any, field, fallback string) string {
	f, ok := doc[field].(map[string]any)
	if !ok {
		return fallback
	}
	ull, ok := f["UserLocalizedLabel"].(map[string]any)
	if !ok {
		return fallback
	}
	label, ok := ull["Label"].(string)
	if !ok || label == "" {
		return fallback
	}
	return label
}
