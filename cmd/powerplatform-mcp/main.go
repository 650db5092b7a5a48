// PowerPlatform MCP server exposes Microsoft Dataverse metadata and data
// exploration tools over the Model Context Protocol. It enables Claude Code
// and other MCP-compatible clients to inspect entities, attributes,
// relationships, and records in a PowerPlatform environment.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dataverse-tools/powerplatform-mcp/internal/config"
	"github.com/dataverse-tools/powerplatform-mcp/internal/logging"
	ppserver "github.com/dataverse-tools/powerplatform-mcp/internal/server"
)

const version = "1.0.0"

func main() {
	// Pick up a local .env if present; absence is fine.
	_ = godotenv.Load()

	// Define CLI flags
	var (
		configFile   = flag.String("config", "", "Path to configuration file")
		orgURL       = flag.String("url", "", "Dataverse organization URL (overrides config file and env var)")
		clientID     = flag.String("client-id", "", "Entra ID application client id (overrides config file and env var)")
		clientSecret = flag.String("client-secret", "", "Client secret (overrides config file and env var)")
		tenantID     = flag.String("tenant-id", "", "Entra ID tenant id (overrides config file and env var)")
		logLevel     = flag.String("log-level", "", "Log level: debug, info, warn, error (default: info)")
		logJSON      = flag.Bool("log-json", false, "Output logs in JSON format")
		showVersion  = flag.Bool("version", false, "Show version and exit")
	)

	flag.Parse()

	// Show version and exit
	if *showVersion {
		fmt.Printf("powerplatform-mcp version %s\n", version)
		os.Exit(0)
	}

	// Build configuration from all sources
	cliConfig := &config.Config{
		ConfigFile:      *configFile,
		OrganizationURL: *orgURL,
		ClientID:        *clientID,
		ClientSecret:    *clientSecret,
		TenantID:        *tenantID,
		LogLevel:        *logLevel,
		LogJSON:         *logJSON,
	}

	// Load configuration with proper precedence
	cfg, err := config.Load(cliConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	// Setup logging
	logger := logging.Setup(os.Stderr, cfg.LogLevel, cfg.LogJSON)
	logger.Info("powerplatform-mcp starting", "version", version)

	// Incomplete credentials are not fatal: the server starts and lists its
	// tools, and operations report the missing fields when first used.
	if missing := cfg.Missing(); len(missing) > 0 {
		logger.Warn("PowerPlatform configuration incomplete", "missing", strings.Join(missing, ", "))
	}

	// Create MCP server
	mcpServer := ppserver.New(cfg)

	// Start stdio server
	logger.Info("starting MCP stdio server")
	if err := server.ServeStdio(mcpServer.Server()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("powerplatform-mcp shutting down")
}
