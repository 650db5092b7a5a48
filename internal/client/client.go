// Package client implements the Dataverse Web API client used by the
// PowerPlatform MCP server: client-credentials token acquisition with
// caching, the authenticated GET gateway, and the metadata and record-query
// operations with their response shaping.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// apiVersion is the Dataverse Web API version all requests target.
	apiVersion = "v9.2"

	// defaultAuthority is the Entra ID endpoint tokens are requested from.
	defaultAuthority = "https://login.microsoftonline.com"

	// tokenExpiryMargin is subtracted from the token lifetime so a refresh
	// happens before the token actually expires.
	tokenExpiryMargin = 5 * time.Minute

	// defaultHTTPTimeout is the default timeout for HTTP requests.
	defaultHTTPTimeout = 30 * time.Second
)

// $select lists for the relationship queries. Dataverse cannot filter on
// startswith in metadata queries, so entity-prefix filtering happens
// client-side in shape.go.
const (
	oneToManySelect = "SchemaName,RelationshipType,ReferencedAttribute,ReferencedEntity," +
		"ReferencingAttribute,ReferencingEntity,ReferencedEntityNavigationPropertyName," +
		"ReferencingEntityNavigationPropertyName"
	manyToManySelect = "SchemaName,RelationshipType,Entity1LogicalName,Entity2LogicalName," +
		"Entity1IntersectAttribute,Entity2IntersectAttribute,Entity1NavigationPropertyName," +
		"Entity2NavigationPropertyName"
)

// DataverseAPI defines the operations the MCP server needs from Dataverse.
// This interface allows for mocking in tests and alternative implementations.
type DataverseAPI interface {
	// GetEntityMetadata returns the entity definition with Privileges stripped.
	GetEntityMetadata(ctx context.Context, entityName string) (map[string]any, error)

	// GetEntityAttributes returns the non-virtual attribute list with shadow
	// lookup attributes filtered out.
	GetEntityAttributes(ctx context.Context, entityName string) (map[string]any, error)

	// GetEntityAttribute returns the definition of a single attribute.
	GetEntityAttribute(ctx context.Context, entityName, attributeName string) (map[string]any, error)

	// GetOneToManyRelationships returns 1:N relationships, excluding
	// first-party and portal internal referencing entities.
	GetOneToManyRelationships(ctx context.Context, entityName string) (map[string]any, error)

	// GetManyToManyRelationships returns N:N relationships unfiltered.
	GetManyToManyRelationships(ctx context.Context, entityName string) (map[string]any, error)

	// GetEntityRelationships returns both relationship kinds for an entity.
	GetEntityRelationships(ctx context.Context, entityName string) (*RelationshipSet, error)

	// GetGlobalOptionSet returns a global option set definition by name.
	GetGlobalOptionSet(ctx context.Context, optionSetName string) (map[string]any, error)

	// GetRecord returns a single record by plural entity set name and id.
	GetRecord(ctx context.Context, entityNamePlural, recordID string) (map[string]any, error)

	// QueryRecords queries records with a verbatim OData filter expression.
	QueryRecords(ctx context.Context, entityNamePlural, filter string, maxRecords int) (map[string]any, error)
}

// RelationshipSet groups the shaped one-to-many and many-to-many
// relationship documents of an entity.
type RelationshipSet struct {
	OneToMany  map[string]any `json:"oneToMany"`
	ManyToMany map[string]any `json:"manyToMany"`
}

// tokenResponse is the relevant subset of the Entra ID v2.0 token response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// DataverseClient is the HTTP client for the Dataverse Web API.
type DataverseClient struct {
	organizationURL string
	clientID        string
	clientSecret    string
	tenantID        string
	authority       string
	httpClient      *http.Client
	now             func() time.Time

	// mu guards the cached token so concurrent callers cannot race to
	// refresh it.
	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewDataverseClient creates a new Dataverse Web API client.
func NewDataverseClient(organizationURL, clientID, clientSecret, tenantID string) *DataverseClient {
	return &DataverseClient{
		organizationURL: strings.TrimSuffix(organizationURL, "/"),
		clientID:        clientID,
		clientSecret:    clientSecret,
		tenantID:        tenantID,
		authority:       defaultAuthority,
		httpClient: &http.Client{
			Timeout: defaultHTTPTimeout,
		},
		now: time.Now,
	}
}

// Compile-time check to ensure DataverseClient implements DataverseAPI.
var _ DataverseAPI = (*DataverseClient)(nil)

// token returns a valid access token, acquiring a new one if the cache is
// empty or within the expiry margin. On failure the cached token is left
// untouched.
func (c *DataverseClient) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && c.now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"scope":         {c.organizationURL + "/.default"},
	}

	tokenURL := fmt.Sprintf("%s/%s/oauth2/v2.0/token", c.authority, c.tenantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &AuthError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &AuthError{Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", &AuthError{Err: fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(body))}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", &AuthError{Err: fmt.Errorf("failed to decode token response: %w", err)}
	}
	if tr.AccessToken == "" {
		return "", &AuthError{Err: fmt.Errorf("token response contains no access_token")}
	}

	c.accessToken = tr.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(tr.ExpiresIn)*time.Second - tokenExpiryMargin)

	slog.Debug("access token acquired", "expires_in", tr.ExpiresIn, "effective_expiry", c.tokenExpiry)
	return c.accessToken, nil
}

// get issues an authenticated GET against the Web API. pathAndQuery must
// already be percent-encoded where needed; it is appended verbatim after the
// api/data/{version}/ prefix.
func (c *DataverseClient) get(ctx context.Context, pathAndQuery string) (map[string]any, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/api/data/%s/%s", c.organizationURL, apiVersion, pathAndQuery)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &APIError{Body: err.Error()}
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("OData-MaxVersion", "4.0")
	req.Header.Set("OData-Version", "4.0")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Body: err.Error()}
	}
	defer resp.Body.Close()

	slog.Debug("api_call", "method", "GET", "path", pathAndQuery, "status", resp.StatusCode, "duration", time.Since(start))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: fmt.Sprintf("failed to decode response: %v", err)}
	}
	return doc, nil
}

// EncodeFilter percent-encodes an OData filter expression for use in a query
// string, with spaces as %20 rather than '+'.
func EncodeFilter(filter string) string {
	return strings.ReplaceAll(url.QueryEscape(filter), "+", "%20")
}

// GetEntityMetadata returns the entity definition, with the Privileges
// property removed before it leaves this package.
func (c *DataverseClient) GetEntityMetadata(ctx context.Context, entityName string) (map[string]any, error) {
	doc, err := c.get(ctx, fmt.Sprintf("EntityDefinitions(LogicalName='%s')", entityName))
	if err != nil {
		return nil, err
	}
	return StripPrivileges(doc), nil
}

// GetEntityAttributes returns the logical names of the entity's non-virtual
// attributes, with yomi and shadow lookup-label attributes filtered out.
func (c *DataverseClient) GetEntityAttributes(ctx context.Context, entityName string) (map[string]any, error) {
	path := fmt.Sprintf("EntityDefinitions(LogicalName='%s')/Attributes?$select=LogicalName&$filter=%s",
		entityName, EncodeFilter("AttributeType ne 'Virtual'"))
	doc, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	return FilterAttributes(doc), nil
}

// GetEntityAttribute returns the full definition of a single attribute.
func (c *DataverseClient) GetEntityAttribute(ctx context.Context, entityName, attributeName string) (map[string]any, error) {
	return c.get(ctx, fmt.Sprintf("EntityDefinitions(LogicalName='%s')/Attributes(LogicalName='%s')",
		entityName, attributeName))
}

// GetOneToManyRelationships returns the entity's 1:N relationships.
// regardingobjectid activity relationships are excluded in the OData filter;
// msdyn_/adx_ referencing entities are excluded client-side.
func (c *DataverseClient) GetOneToManyRelationships(ctx context.Context, entityName string) (map[string]any, error) {
	path := fmt.Sprintf("EntityDefinitions(LogicalName='%s')/OneToManyRelationships?$select=%s&$filter=%s",
		entityName, oneToManySelect, EncodeFilter("ReferencingAttribute ne 'regardingobjectid'"))
	doc, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	return FilterOneToMany(doc), nil
}

// GetManyToManyRelationships returns the entity's N:N relationships,
// unfiltered.
func (c *DataverseClient) GetManyToManyRelationships(ctx context.Context, entityName string) (map[string]any, error) {
	return c.get(ctx, fmt.Sprintf("EntityDefinitions(LogicalName='%s')/ManyToManyRelationships?$select=%s",
		entityName, manyToManySelect))
}

// GetEntityRelationships fetches both relationship kinds for an entity.
func (c *DataverseClient) GetEntityRelationships(ctx context.Context, entityName string) (*RelationshipSet, error) {
	oneToMany, err := c.GetOneToManyRelationships(ctx, entityName)
	if err != nil {
		return nil, err
	}
	manyToMany, err := c.GetManyToManyRelationships(ctx, entityName)
	if err != nil {
		return nil, err
	}
	return &RelationshipSet{OneToMany: oneToMany, ManyToMany: manyToMany}, nil
}

// GetGlobalOptionSet returns a global option set definition by name.
func (c *DataverseClient) GetGlobalOptionSet(ctx context.Context, optionSetName string) (map[string]any, error) {
	return c.get(ctx, fmt.Sprintf("GlobalOptionSetDefinitions(Name='%s')", optionSetName))
}

// GetRecord returns a single record by plural entity set name and record id.
func (c *DataverseClient) GetRecord(ctx context.Context, entityNamePlural, recordID string) (map[string]any, error) {
	return c.get(ctx, fmt.Sprintf("%s(%s)", entityNamePlural, recordID))
}

// QueryRecords queries records with a verbatim OData filter expression. The
// expression is percent-encoded here; it is never parsed.
func (c *DataverseClient) QueryRecords(ctx context.Context, entityNamePlural, filter string, maxRecords int) (map[string]any, error) {
	return c.get(ctx, fmt.Sprintf("%s?$filter=%s&$top=%d", entityNamePlural, EncodeFilter(filter), maxRecords))
}
