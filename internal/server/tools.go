package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"onbehalf/internal/api"
	"onbehalf/internal/kerberos"
	"onbehalf/internal/sqldelegation"
	"onbehalf/internal/tokenexchange"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// HealthToolName is the registry-wide health tool.
const HealthToolName = "delegation_health"

// operationDescriptions and operationSchemas describe each module
// operation to MCP clients. Operations missing here get an empty object
// schema, which is correct for argument-free operations.
var operationDescriptions = map[string]string{
	tokenexchange.OperationExchange:     "Exchange the caller's token for a downstream token scoped to one audience (RFC 8693).",
	kerberos.OperationS4U2Self:          "Obtain a Kerberos service ticket naming the caller's mapped legacy principal (S4U2Self).",
	kerberos.OperationS4U2Proxy:         "Obtain a Kerberos service ticket to an approved target SPN on the caller's behalf (S4U2Proxy).",
	sqldelegation.OperationResolveRunAs: "Resolve the legacy database login and role set to run the caller's queries as.",
}

var operationSchemas = map[string]mcp.ToolInputSchema{
	tokenexchange.OperationExchange: {
		Type: "object",
		Properties: map[string]interface{}{
			"audience": map[string]interface{}{
				"type":        "string",
				"description": "The downstream audience to scope the exchanged token to",
			},
		},
		Required: []string{"audience"},
	},
	kerberos.OperationS4U2Proxy: {
		Type: "object",
		Properties: map[string]interface{}{
			"targetSpn": map[string]interface{}{
				"type":        "string",
				"description": "The service principal name of the delegation target",
			},
		},
		Required: []string{"targetSpn"},
	},
}

// buildTools creates one MCP tool per module operation, plus the
// registry-wide health tool.
func (b *Broker) buildTools() []mcpserver.ServerTool {
	var tools []mcpserver.ServerTool
	for _, module := range b.registry.List() {
		for _, operation := range module.Operations() {
			tools = append(tools, b.buildOperationTool(module.Name(), operation))
		}
	}
	tools = append(tools, mcpserver.ServerTool{
		Tool: mcp.Tool{
			Name:        HealthToolName,
			Description: "Report the health of every registered delegation module.",
			InputSchema: mcp.ToolInputSchema{Type: "object"},
		},
		Handler: b.handleHealth,
	})
	return tools
}

func (b *Broker) buildOperationTool(moduleName, operation string) mcpserver.ServerTool {
	schema, ok := operationSchemas[operation]
	if !ok {
		schema = mcp.ToolInputSchema{Type: "object"}
	}
	description, ok := operationDescriptions[operation]
	if !ok {
		description = fmt.Sprintf("Invoke the %s operation of module %s.", operation, moduleName)
	}
	return mcpserver.ServerTool{
		Tool: mcp.Tool{
			Name:        moduleName + "_" + operation,
			Description: description,
			InputSchema: schema,
		},
		Handler: b.makeOperationHandler(moduleName, operation),
	}
}

func (b *Broker) makeOperationHandler(moduleName, operation string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		subject, err := subjectFromContext(ctx)
		if err != nil {
			return errorResult(err), nil
		}
		b.sessions.touch(subject.SessionID)

		args, _ := req.Params.Arguments.(map[string]interface{})
		result, err := b.registry.Invoke(ctx, moduleName, subject, operation, args)
		if err != nil {
			return errorResult(err), nil
		}

		payload := make(map[string]interface{}, len(result.Fields)+1)
		for name, value := range result.Fields {
			payload[name] = value
		}
		payload["cached"] = result.Cached

		encoded, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
		}
		return mcp.NewToolResultText(string(encoded)), nil
	}
}

func (b *Broker) handleHealth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	statuses := b.registry.HealthCheck(ctx)
	encoded, err := json.MarshalIndent(statuses, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding health report: %v", err)), nil
	}
	return mcp.NewToolResultText(string(encoded)), nil
}

// errorResult renders a failure as a tool error. Delegation errors keep
// their machine-readable code so clients can branch on it.
func errorResult(err error) *mcp.CallToolResult {
	var delegErr *api.DelegationError
	if errors.As(err, &delegErr) {
		return mcp.NewToolResultError(fmt.Sprintf("[%s] %s", delegErr.Code, delegErr.Error()))
	}
	return mcp.NewToolResultError(err.Error())
}
