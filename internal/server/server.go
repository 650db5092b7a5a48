// Package server provides the MCP server implementation for PowerPlatform:
// the tool and prompt surface, argument validation, lazy service
// construction, and the error-to-text result policy.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dataverse-tools/powerplatform-mcp/internal/client"
	"github.com/dataverse-tools/powerplatform-mcp/internal/config"
	"github.com/dataverse-tools/powerplatform-mcp/internal/prompts"
)

const (
	serverName    = "powerplatform-mcp"
	serverVersion = "1.0.0"

	// defaultMaxRecords is the $top applied when query-records gets no
	// maxRecords argument.
	defaultMaxRecords = 50
)

// PowerPlatformMCPServer wraps the MCP server with the PowerPlatform tool
// and prompt surface.
type PowerPlatformMCPServer struct {
	server *server.MCPServer
	cfg    *config.Config

	// mu guards lazy construction of the Dataverse client so concurrent
	// first calls build it exactly once.
	mu     sync.Mutex
	api    client.DataverseAPI
	newAPI func() (client.DataverseAPI, error)
}

// New creates a new PowerPlatform MCP server. The Dataverse client is not
// constructed here: configuration is validated on the first operation that
// needs it, so the server starts (and lists its tools) even with incomplete
// credentials.
func New(cfg *config.Config) *PowerPlatformMCPServer {
	s := &PowerPlatformMCPServer{
		cfg: cfg,
	}
	s.newAPI = s.buildClient

	s.server = server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(true),
		server.WithPromptCapabilities(true),
	)

	s.registerTools()
	s.registerPrompts()

	return s
}

// Server returns the underlying MCP server.
func (s *PowerPlatformMCPServer) Server() *server.MCPServer {
	return s.server
}

// buildClient validates the Dataverse configuration and constructs the
// client. A config.MissingError names every blank field.
func (s *PowerPlatformMCPServer) buildClient() (client.DataverseAPI, error) {
	if err := s.cfg.CheckComplete(); err != nil {
		return nil, err
	}
	return client.NewDataverseClient(
		s.cfg.OrganizationURL,
		s.cfg.ClientID,
		s.cfg.ClientSecret,
		s.cfg.TenantID,
	), nil
}

// service returns the process-wide Dataverse client, constructing it on
// first use.
func (s *PowerPlatformMCPServer) service() (client.DataverseAPI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.api != nil {
		return s.api, nil
	}
	api, err := s.newAPI()
	if err != nil {
		return nil, err
	}
	slog.Info("PowerPlatform service initialized")
	s.api = api
	return api, nil
}

// registerTools registers all PowerPlatform MCP tools.
func (s *PowerPlatformMCPServer) registerTools() {
	s.server.AddTool(s.getEntityMetadataTool(), s.handleGetEntityMetadata)
	s.server.AddTool(s.getEntityAttributesTool(), s.handleGetEntityAttributes)
	s.server.AddTool(s.getEntityAttributeTool(), s.handleGetEntityAttribute)
	s.server.AddTool(s.getEntityRelationshipsTool(), s.handleGetEntityRelationships)
	s.server.AddTool(s.getGlobalOptionSetTool(), s.handleGetGlobalOptionSet)
	s.server.AddTool(s.getRecordTool(), s.handleGetRecord)
	s.server.AddTool(s.queryRecordsTool(), s.handleQueryRecords)
	s.server.AddTool(s.usePromptTool(), s.handleUsePrompt)
}

// Tool definitions

func entityNameProperty() map[string]any {
	return map[string]any{
		"type":        "string",
		"description": "The logical name of the entity",
	}
}

func (s *PowerPlatformMCPServer) getEntityMetadataTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get-entity-metadata",
		Description: "Get metadata about a Power Platform entity",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"entityName": entityNameProperty(),
			},
			Required: []string{"entityName"},
		},
	}
}

func (s *PowerPlatformMCPServer) getEntityAttributesTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get-entity-attributes",
		Description: "Get attributes/fields of a Power Platform entity",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"entityName": entityNameProperty(),
			},
			Required: []string{"entityName"},
		},
	}
}

func (s *PowerPlatformMCPServer) getEntityAttributeTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get-entity-attribute",
		Description: "Get a specific attribute/field of a Power Platform entity",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"entityName": entityNameProperty(),
				"attributeName": map[string]any{
					"type":        "string",
					"description": "The logical name of the attribute",
				},
			},
			Required: []string{"entityName", "attributeName"},
		},
	}
}

func (s *PowerPlatformMCPServer) getEntityRelationshipsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get-entity-relationships",
		Description: "Get relationships for a Power Platform entity",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"entityName": entityNameProperty(),
			},
			Required: []string{"entityName"},
		},
	}
}

func (s *PowerPlatformMCPServer) getGlobalOptionSetTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get-global-option-set",
		Description: "Get a global option set definition",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"optionSetName": map[string]any{
					"type":        "string",
					"description": "The name of the global option set",
				},
			},
			Required: []string{"optionSetName"},
		},
	}
}

func (s *PowerPlatformMCPServer) getRecordTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get-record",
		Description: "Get a specific record by ID",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"entityNamePlural": map[string]any{
					"type":        "string",
					"description": "The plural name of the entity (e.g., 'accounts', 'contacts')",
				},
				"recordId": map[string]any{
					"type":        "string",
					"description": "The GUID of the record to retrieve",
				},
			},
			Required: []string{"entityNamePlural", "recordId"},
		},
	}
}

func (s *PowerPlatformMCPServer) queryRecordsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "query-records",
		Description: "Query records using an OData filter expression",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"entityNamePlural": map[string]any{
					"type":        "string",
					"description": "The plural name of the entity (e.g., 'accounts', 'contacts')",
				},
				"filter": map[string]any{
					"type":        "string",
					"description": "OData filter expression (e.g., \"name eq 'test'\")",
				},
				"maxRecords": map[string]any{
					"type":        "integer",
					"description": "Maximum number of records to retrieve (default: 50)",
					"default":     defaultMaxRecords,
				},
			},
			Required: []string{"entityNamePlural", "filter"},
		},
	}
}

func (s *PowerPlatformMCPServer) usePromptTool() mcp.Tool {
	return mcp.Tool{
		Name:        "use-powerplatform-prompt",
		Description: "Use a predefined prompt template",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"promptType": map[string]any{
					"type":        "string",
					"description": "Type of prompt to use. One of: ENTITY_OVERVIEW, ATTRIBUTE_DETAILS, QUERY_TEMPLATE, RELATIONSHIP_MAP",
				},
				"entityName": entityNameProperty(),
				"attributeName": map[string]any{
					"type":        "string",
					"description": "The logical name of the attribute (required for ATTRIBUTE_DETAILS prompt)",
				},
			},
			Required: []string{"promptType", "entityName"},
		},
	}
}

// Result helpers

// unmarshalParams decodes tool request arguments through a JSON round-trip.
func unmarshalParams(request mcp.CallToolRequest, params any) error {
	argsBytes, err := json.Marshal(request.Params.Arguments)
	if err != nil {
		return fmt.Errorf("failed to marshal arguments: %w", err)
	}
	if err := json.Unmarshal(argsBytes, params); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

// failure logs the error and wraps it in a successful text result. Known
// operations never fail at the protocol level; callers detect failure from
// the response text. Only an unregistered tool name errors the call itself,
// which the MCP framework handles before a handler runs.
func failure(operation string, err error) *mcp.CallToolResult {
	slog.Error("operation failed", "operation", operation, "error", err)
	return mcp.NewToolResultText(fmt.Sprintf("Failed to %s: %v", operation, err))
}

// resultJSON formats a document as an indented JSON text block under a
// one-line summary.
func resultJSON(operation, summary string, doc any) *mcp.CallToolResult {
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return failure(operation, fmt.Errorf("failed to format response: %w", err))
	}
	return mcp.NewToolResultText(summary + "\n\n" + string(body))
}

// Tool handlers

func (s *PowerPlatformMCPServer) handleGetEntityMetadata(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	const op = "get entity metadata"
	var params struct {
		EntityName string `json:"entityName"`
	}
	if err := unmarshalParams(request, &params); err != nil {
		return failure(op, err), nil
	}
	if params.EntityName == "" {
		return failure(op, errors.New("entityName is required")), nil
	}

	api, err := s.service()
	if err != nil {
		return failure(op, err), nil
	}

	slog.Info("getting entity metadata", "entity", params.EntityName)

	metadata, err := api.GetEntityMetadata(ctx, params.EntityName)
	if err != nil {
		return failure(op, err), nil
	}

	return resultJSON(op, fmt.Sprintf("Metadata for entity '%s':", params.EntityName), metadata), nil
}

func (s *PowerPlatformMCPServer) handleGetEntityAttributes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	const op = "get entity attributes"
	var params struct {
		EntityName string `json:"entityName"`
	}
	if err := unmarshalParams(request, &params); err != nil {
		return failure(op, err), nil
	}
	if params.EntityName == "" {
		return failure(op, errors.New("entityName is required")), nil
	}

	api, err := s.service()
	if err != nil {
		return failure(op, err), nil
	}

	slog.Info("getting entity attributes", "entity", params.EntityName)

	attributes, err := api.GetEntityAttributes(ctx, params.EntityName)
	if err != nil {
		return failure(op, err), nil
	}

	return resultJSON(op, fmt.Sprintf("Attributes for entity '%s':", params.EntityName), attributes), nil
}

func (s *PowerPlatformMCPServer) handleGetEntityAttribute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	const op = "get entity attribute"
	var params struct {
		EntityName    string `json:"entityName"`
		AttributeName string `json:"attributeName"`
	}
	if err := unmarshalParams(request, &params); err != nil {
		return failure(op, err), nil
	}
	if params.EntityName == "" {
		return failure(op, errors.New("entityName is required")), nil
	}
	if params.AttributeName == "" {
		return failure(op, errors.New("attributeName is required")), nil
	}

	api, err := s.service()
	if err != nil {
		return failure(op, err), nil
	}

	slog.Info("getting entity attribute", "entity", params.EntityName, "attribute", params.AttributeName)

	attribute, err := api.GetEntityAttribute(ctx, params.EntityName, params.AttributeName)
	if err != nil {
		return failure(op, err), nil
	}

	return resultJSON(op, fmt.Sprintf("Attribute '%s' of entity '%s':", params.AttributeName, params.EntityName), attribute), nil
}

func (s *PowerPlatformMCPServer) handleGetEntityRelationships(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	const op = "get entity relationships"
	var params struct {
		EntityName string `json:"entityName"`
	}
	if err := unmarshalParams(request, &params); err != nil {
		return failure(op, err), nil
	}
	if params.EntityName == "" {
		return failure(op, errors.New("entityName is required")), nil
	}

	api, err := s.service()
	if err != nil {
		return failure(op, err), nil
	}

	slog.Info("getting entity relationships", "entity", params.EntityName)

	relationships, err := api.GetEntityRelationships(ctx, params.EntityName)
	if err != nil {
		return failure(op, err), nil
	}

	return resultJSON(op, fmt.Sprintf("Relationships for entity '%s':", params.EntityName), relationships), nil
}

func (s *PowerPlatformMCPServer) handleGetGlobalOptionSet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	const op = "get global option set"
	var params struct {
		OptionSetName string `json:"optionSetName"`
	}
	if err := unmarshalParams(request, &params); err != nil {
		return failure(op, err), nil
	}
	if params.OptionSetName == "" {
		return failure(op, errors.New("optionSetName is required")), nil
	}

	api, err := s.service()
	if err != nil {
		return failure(op, err), nil
	}

	slog.Info("getting global option set", "option_set", params.OptionSetName)

	optionSet, err := api.GetGlobalOptionSet(ctx, params.OptionSetName)
	if err != nil {
		return failure(op, err), nil
	}

	return resultJSON(op, fmt.Sprintf("Global option set '%s':", params.OptionSetName), optionSet), nil
}

func (s *PowerPlatformMCPServer) handleGetRecord(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	const op = "get record"
	var params struct {
		EntityNamePlural string `json:"entityNamePlural"`
		RecordID         string `json:"recordId"`
	}
	if err := unmarshalParams(request, &params); err != nil {
		return failure(op, err), nil
	}
	if params.EntityNamePlural == "" {
		return failure(op, errors.New("entityNamePlural is required")), nil
	}
	if params.RecordID == "" {
		return failure(op, errors.New("recordId is required")), nil
	}
	// Dataverse record keys are GUIDs; reject anything else before it
	// reaches the wire.
	if _, err := uuid.Parse(params.RecordID); err != nil {
		return failure(op, fmt.Errorf("recordId must be a GUID: %w", err)), nil
	}

	api, err := s.service()
	if err != nil {
		return failure(op, err), nil
	}

	slog.Info("getting record", "entity_plural", params.EntityNamePlural, "record_id", params.RecordID)

	record, err := api.GetRecord(ctx, params.EntityNamePlural, params.RecordID)
	if err != nil {
		return failure(op, err), nil
	}

	return resultJSON(op, fmt.Sprintf("Record '%s' from '%s':", params.RecordID, params.EntityNamePlural), record), nil
}

func (s *PowerPlatformMCPServer) handleQueryRecords(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	const op = "query records"
	var params struct {
		EntityNamePlural string `json:"entityNamePlural"`
		Filter           string `json:"filter"`
		MaxRecords       int    `json:"maxRecords"`
	}
	params.MaxRecords = defaultMaxRecords

	if err := unmarshalParams(request, &params); err != nil {
		return failure(op, err), nil
	}
	if params.EntityNamePlural == "" {
		return failure(op, errors.New("entityNamePlural is required")), nil
	}
	if params.Filter == "" {
		return failure(op, errors.New("filter is required")), nil
	}
	if params.MaxRecords <= 0 {
		params.MaxRecords = defaultMaxRecords
	}

	api, err := s.service()
	if err != nil {
		return failure(op, err), nil
	}

	slog.Info("querying records", "entity_plural", params.EntityNamePlural, "filter", params.Filter, "max_records", params.MaxRecords)

	records, err := api.QueryRecords(ctx, params.EntityNamePlural, params.Filter, params.MaxRecords)
	if err != nil {
		return failure(op, err), nil
	}

	count := len(client.ValueList(records))
	return resultJSON(op, fmt.Sprintf("Query returned %d records from '%s':", count, params.EntityNamePlural), records), nil
}

func (s *PowerPlatformMCPServer) handleUsePrompt(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	const op = "use PowerPlatform prompt"
	var params struct {
		PromptType    string `json:"promptType"`
		EntityName    string `json:"entityName"`
		AttributeName string `json:"attributeName"`
	}
	if err := unmarshalParams(request, &params); err != nil {
		return failure(op, err), nil
	}
	if params.PromptType == "" {
		return failure(op, errors.New("promptType is required")), nil
	}
	if params.EntityName == "" {
		return failure(op, errors.New("entityName is required")), nil
	}

	kind, err := prompts.ParseKind(params.PromptType)
	if err != nil {
		return failure(op, err), nil
	}
	if kind == prompts.KindAttributeDetails && params.AttributeName == "" {
		return failure(op, errors.New("attributeName is required for the ATTRIBUTE_DETAILS prompt")), nil
	}

	api, err := s.service()
	if err != nil {
		return failure(op, err), nil
	}

	slog.Info("using prompt", "prompt_type", params.PromptType, "entity", params.EntityName)

	text, err := prompts.Build(ctx, api, kind, params.EntityName, params.AttributeName)
	if err != nil {
		return failure(op, err), nil
	}

	return mcp.NewToolResultText(text), nil
}
