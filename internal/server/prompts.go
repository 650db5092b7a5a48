package server

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dataverse-tools/powerplatform-mcp/internal/prompts"
)

// registerPrompts registers the four PowerPlatform prompt templates. Unlike
// tools, prompt handlers propagate errors to the protocol layer: a failed
// metadata fetch fails the prompts/get call.
func (s *PowerPlatformMCPServer) registerPrompts() {
	s.server.AddPrompt(mcp.Prompt{
		Name:        "entity-overview",
		Description: "Get a comprehensive overview of a Power Platform entity",
		Arguments: []mcp.PromptArgument{
			{Name: "entityName", Description: "The logical name of the entity", Required: true},
		},
	}, s.promptHandler(prompts.KindEntityOverview, "Comprehensive entity overview"))

	s.server.AddPrompt(mcp.Prompt{
		Name:        "attribute-details",
		Description: "Get detailed information about a specific entity attribute",
		Arguments: []mcp.PromptArgument{
			{Name: "entityName", Description: "The logical name of the entity", Required: true},
			{Name: "attributeName", Description: "The logical name of the attribute", Required: true},
		},
	}, s.promptHandler(prompts.KindAttributeDetails, "Detailed attribute information"))

	s.server.AddPrompt(mcp.Prompt{
		Name:        "query-template",
		Description: "Get a template for querying an entity with OData filters",
		Arguments: []mcp.PromptArgument{
			{Name: "entityName", Description: "The logical name of the entity", Required: true},
		},
	}, s.promptHandler(prompts.KindQueryTemplate, "OData query template"))

	s.server.AddPrompt(mcp.Prompt{
		Name:        "relationship-map",
		Description: "Get a map of all relationships for an entity",
		Arguments: []mcp.PromptArgument{
			{Name: "entityName", Description: "The logical name of the entity", Required: true},
		},
	}, s.promptHandler(prompts.KindRelationshipMap, "Entity relationship map"))
}

// promptHandler builds a GetPrompt handler for one template kind.
func (s *PowerPlatformMCPServer) promptHandler(kind prompts.Kind, description string) func(context.Context, mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return func(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		entityName := request.Params.Arguments["entityName"]
		if entityName == "" {
			return nil, errors.New("entityName is required")
		}
		attributeName := request.Params.Arguments["attributeName"]
		if kind == prompts.KindAttributeDetails && attributeName == "" {
			return nil, errors.New("attributeName is required")
		}

		api, err := s.service()
		if err != nil {
			return nil, err
		}

		slog.Info("rendering prompt", "prompt_type", string(kind), "entity", entityName)

		text, err := prompts.Build(ctx, api, kind, entityName, attributeName)
		if err != nil {
			return nil, err
		}

		return mcp.NewGetPromptResult(description, []mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(text)),
		}), nil
	}
}
