package ratelimit

import (
	"context"
	"net/http"

	"webhook-gateway/middleware/ratelimit/application"
	"webhook-gateway/middleware/ratelimit/domain"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPMiddleware é o adapter do envelope HTTP do endpoint MCP: mesma mecânica
// do Middleware, categoria mcp. A camada por ferramenta (ToolMiddleware) só
// roda depois que este check passou, então rejeição de envelope nunca é
// cobrada do contador da ferramenta.
func MCPMiddleware(opts Options) func(next http.Handler) http.Handler {
	opts.Category = domain.CategoryMCP
	return Middleware(opts)
}

// ToolMiddleware aplica o limite por ferramenta dentro do dispatch MCP.
//
// A identidade do cliente vem do contexto plantado pelo adapter HTTP do
// envelope. A rejeição volta como resultado de tool com isError (a resposta
// JSON-RPC em si é 200), seguindo a convenção de erro de tool do protocolo.
func ToolMiddleware(svc *application.Service) server.ToolHandlerMiddleware {
	return func(next server.ToolHandlerFunc) server.ToolHandlerFunc {
		return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			key := ClientKeyFromContext(ctx)
			if key == "" {
				key = "unknown"
			}

			dec := svc.CheckAndConsumeTool(ctx, req.Params.Name, key)
			if !dec.Allowed {
				return mcp.NewToolResultError(ToolRejectedText(req.Params.Name, dec)), nil
			}
			return next(ctx, req)
		}
	}
}
