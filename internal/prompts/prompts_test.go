package prompts

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dataverse-tools/powerplatform-mcp/internal/client"
)

// mockSource implements MetadataSource for testing
type mockSource struct {
	metadataFunc      func(ctx context.Context, entityName string) (map[string]any, error)
	attributesFunc    func(ctx context.Context, entityName string) (map[string]any, error)
	attributeFunc     func(ctx context.Context, entityName, attributeName string) (map[string]any, error)
	relationshipsFunc func(ctx context.Context, entityName string) (*client.RelationshipSet, error)
}

func (m *mockSource) GetEntityMetadata(ctx context.Context, entityName string) (map[string]any, error) {
	if m.metadataFunc != nil {
		return m.metadataFunc(ctx, entityName)
	}
	return map[string]any{}, nil
}

func (m *mockSource) GetEntityAttributes(ctx context.Context, entityName string) (map[string]any, error) {
	if m.attributesFunc != nil {
		return m.attributesFunc(ctx, entityName)
	}
	return map[string]any{}, nil
}

func (m *mockSource) GetEntityAttribute(ctx context.Context, entityName, attributeName string) (map[string]any, error) {
	if m.attributeFunc != nil {
		return m.attributeFunc(ctx, entityName, attributeName)
	}
	return map[string]any{}, nil
}

func (m *mockSource) GetEntityRelationships(ctx context.Context, entityName string) (*client.RelationshipSet, error) {
	if m.relationshipsFunc != nil {
		return m.relationshipsFunc(ctx, entityName)
	}
	return &client.RelationshipSet{}, nil
}

func accountSource() *mockSource {
	return &mockSource{
		metadataFunc: func(ctx context.Context, entityName string) (map[string]any, error) {
			return map[string]any{
				"SchemaName":           "Account",
				"EntitySetName":        "accounts",
				"PrimaryIdAttribute":   "accountid",
				"PrimaryNameAttribute": "name",
				"DisplayName": map[string]any{
					"UserLocalizedLabel": map[string]any{"Label": "Account"},
				},
			}, nil
		},
		attributesFunc: func(ctx context.Context, entityName string) (map[string]any, error) {
			return map[string]any{
				"value": []any{
					map[string]any{"LogicalName": "accountid", "@odata.type": "#Microsoft.Dynamics.CRM.UniqueIdentifierAttributeMetadata"},
					map[string]any{"LogicalName": "name", "@odata.type": "#Microsoft.Dynamics.CRM.StringAttributeMetadata"},
					map[string]any{"LogicalName": "revenue"},
					map[string]any{"LogicalName": "statecode"},
					map[string]any{"LogicalName": "createdon"},
					map[string]any{"LogicalName": "modifiedon"},
				},
			}, nil
		},
		relationshipsFunc: func(ctx context.Context, entityName string) (*client.RelationshipSet, error) {
			return &client.RelationshipSet{
				OneToMany: map[string]any{
					"value": []any{
						map[string]any{
							"SchemaName":           "account_contacts",
							"ReferencedEntity":     "account",
							"ReferencingEntity":    "contact",
							"ReferencingAttribute": "parentcustomerid",
						},
						map[string]any{
							"SchemaName":           "owner_accounts",
							"ReferencedEntity":     "systemuser",
							"ReferencingEntity":    "account",
							"ReferencingAttribute": "ownerid",
						},
					},
				},
				ManyToMany: map[string]any{
					"value": []any{
						map[string]any{
							"SchemaName":         "accountleads_association",
							"Entity1LogicalName": "account",
							"Entity2LogicalName": "lead",
						},
					},
				},
			}, nil
		},
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds {
		got, err := ParseKind(string(k))
		if err != nil {
			t.Errorf("ParseKind(%q) unexpected error = %v", k, err)
		}
		if got != k {
			t.Errorf("ParseKind(%q) = %q", k, got)
		}
	}

	_, err := ParseKind("entity_overview")
	if err == nil {
		t.Fatal("ParseKind() accepted a lowercase kind")
	}
	if !strings.Contains(err.Error(), "ENTITY_OVERVIEW") {
		t.Errorf("ParseKind() error = %v, should list valid kinds", err)
	}
}

func TestRender(t *testing.T) {
	out, err := render("a {{x}} b {{unknown}}", map[string]string{"x": "1"}, []string{"x"})
	if err != nil {
		t.Fatalf("render() unexpected error = %v", err)
	}
	if out != "a 1 b {{unknown}}" {
		t.Errorf("render() = %q, unknown tokens must survive verbatim", out)
	}

	_, err = render("a {{x}}", map[string]string{}, []string{"x"})
	if err == nil {
		t.Error("render() missed an unfilled required placeholder")
	}
}

func TestEntityOverview(t *testing.T) {
	out, err := EntityOverview(context.Background(), accountSource(), "account")
	if err != nil {
		t.Fatalf("EntityOverview() unexpected error = %v", err)
	}

	for _, want := range []string{
		"## Power Platform Entity: account",
		"- Display Name: Account",
		"- Schema Name: Account",
		"- Description: No description",
		"- Primary Key: accountid",
		"- name: #Microsoft.Dynamics.CRM.StringAttributeMetadata",
		"- revenue: Unknown type",
		"- One-to-Many Relationships: 2",
		"- Many-to-Many Relationships: 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("EntityOverview() missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "{{") {
		t.Errorf("EntityOverview() left a placeholder unfilled:\n%s", out)
	}
}

func TestAttributeDetails(t *testing.T) {
	src := &mockSource{
		attributeFunc: func(ctx context.Context, entityName, attributeName string) (map[string]any, error) {
			return map[string]any{
				"LogicalName":   "name",
				"AttributeType": "String",
				"MaxLength":     float64(160),
				"RequiredLevel": map[string]any{"Value": "ApplicationRequired"},
			}, nil
		},
	}

	out, err := AttributeDetails(context.Background(), src, "account", "name")
	if err != nil {
		t.Fatalf("AttributeDetails() unexpected error = %v", err)
	}

	for _, want := range []string{
		"## Attribute: name",
		"- Data Type: String",
		"- Required: ApplicationRequired",
		"- Max Length: 160",
		`"LogicalName": "name"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("AttributeDetails() missing %q in:\n%s", want, out)
		}
	}
}

func TestAttributeDetailsFallbacks(t *testing.T) {
	src := &mockSource{
		attributeFunc: func(ctx context.Context, entityName, attributeName string) (map[string]any, error) {
			return map[string]any{"LogicalName": "revenue"}, nil
		},
	}

	out, err := AttributeDetails(context.Background(), src, "account", "revenue")
	if err != nil {
		t.Fatalf("AttributeDetails() unexpected error = %v", err)
	}

	for _, want := range []string{
		"- Data Type: Unknown",
		"- Required: None",
		"- Max Length: N/A",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("AttributeDetails() missing %q in:\n%s", want, out)
		}
	}
}

func TestQueryTemplate(t *testing.T) {
	out, err := QueryTemplate(context.Background(), accountSource(), "account")
	if err != nil {
		t.Fatalf("QueryTemplate() unexpected error = %v", err)
	}

	for _, want := range []string{
		"## OData Query Template for accounts",
		"accounts?$select=accountid,name,revenue,statecode,createdon&$filter=statecode eq 0&$orderby=name&$top=50",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("QueryTemplate() missing %q in:\n%s", want, out)
		}
	}
}

func TestQueryTemplateFallbacks(t *testing.T) {
	out, err := QueryTemplate(context.Background(), &mockSource{}, "widget")
	if err != nil {
		t.Fatalf("QueryTemplate() unexpected error = %v", err)
	}

	// No metadata at all: plural falls back to the logical name, the field
	// list and ordering to createdon.
	if !strings.Contains(out, "widget?$select=createdon&$filter=statecode eq 0&$orderby=createdon&$top=50") {
		t.Errorf("QueryTemplate() fallback query wrong:\n%s", out)
	}
}

func TestRelationshipMap(t *testing.T) {
	out, err := RelationshipMap(context.Background(), accountSource(), "account")
	if err != nil {
		t.Fatalf("RelationshipMap() unexpected error = %v", err)
	}

	for _, want := range []string{
		"## Relationship Map for account",
		"- account_contacts: account → contact (parentcustomerid)",
		"- owner_accounts: systemuser → account (ownerid)",
		"- accountleads_association: account ↔ lead",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("RelationshipMap() missing %q in:\n%s", want, out)
		}
	}
}

func TestRelationshipMapEmpty(t *testing.T) {
	out, err := RelationshipMap(context.Background(), &mockSource{}, "widget")
	if err != nil {
		t.Fatalf("RelationshipMap() unexpected error = %v", err)
	}

	if got := strings.Count(out, "None found"); got != 3 {
		t.Errorf("RelationshipMap() rendered %d empty sections as None found, want 3:\n%s", got, out)
	}
}

func TestBuildPropagatesErrors(t *testing.T) {
	src := &mockSource{
		metadataFunc: func(ctx context.Context, entityName string) (map[string]any, error) {
			return nil, errors.New("metadata unavailable")
		},
	}

	_, err := Build(context.Background(), src, KindEntityOverview, "account", "")
	if err == nil || !strings.Contains(err.Error(), "metadata unavailable") {
		t.Errorf("Build() error = %v, want the source error", err)
	}
}
