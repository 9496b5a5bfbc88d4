package releve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/prix/jobq"
	"github.com/hazyhaar/prix/kit"
)

// RegisterMCP registers all prix tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerDiscover(srv)
	s.registerCreateJob(srv)
	s.registerGetJob(srv)
	s.registerCancelJob(srv)
	s.registerListStores(srv)
	s.registerAddStore(srv)
	s.registerBestPrice(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func (s *Service) registerDiscover(srv *mcp.Server) {
	type req struct {
		UserID            string `json:"user_id"`
		Query             string `json:"query"`
		Zip               string `json:"zip"`
		ItemID            string `json:"item_id"`
		ShopLocal         bool   `json:"shop_local"`
		AllowAgent        bool   `json:"allow_agent"`
		DisableEscalation bool   `json:"disable_escalation"`
	}

	tool := &mcp.Tool{
		Name:        "prix_discover",
		Description: "Discover current prices for a product across retailers, cheapest first",
		InputSchema: inputSchema(map[string]any{
			"user_id":            map[string]any{"type": "string", "description": "User ID"},
			"query":              map[string]any{"type": "string", "description": "Product to search for"},
			"zip":                map[string]any{"type": "string", "description": "ZIP code for localized store pages"},
			"item_id":            map[string]any{"type": "string", "description": "Item to record discovered prices against"},
			"shop_local":         map[string]any{"type": "boolean", "description": "Prefer local stores"},
			"allow_agent":        map[string]any{"type": "boolean", "description": "Allow the agentic fallback tier"},
			"disable_escalation": map[string]any{"type": "boolean", "description": "Stop after the configured-store tier"},
		}, []string{"user_id", "query"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.Discover(ctx, DiscoverRequest{
			UserID:            p.UserID,
			Query:             p.Query,
			Zip:               p.Zip,
			ItemID:            p.ItemID,
			ShopLocal:         p.ShopLocal,
			AllowAgent:        p.AllowAgent,
			DisableEscalation: p.DisableEscalation,
		})
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (s *Service) registerCreateJob(srv *mcp.Server) {
	type req struct {
		UserID string          `json:"user_id"`
		Kind   string          `json:"kind"`
		Input  json.RawMessage `json:"input"`
		ItemID string          `json:"item_id"`
	}

	tool := &mcp.Tool{
		Name:        "prix_create_job",
		Description: "Queue a background job: discovery, refresh or identify",
		InputSchema: inputSchema(map[string]any{
			"user_id": map[string]any{"type": "string", "description": "User ID"},
			"kind":    map[string]any{"type": "string", "description": "Job kind: discovery, refresh, identify"},
			"input":   map[string]any{"type": "object", "description": "Kind-specific payload"},
			"item_id": map[string]any{"type": "string", "description": "Item the job is linked to"},
		}, []string{"user_id", "kind"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.CreateJob(ctx, jobq.NewJob{
			UserID: p.UserID,
			Kind:   p.Kind,
			Input:  p.Input,
			ItemID: p.ItemID,
		})
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (s *Service) registerGetJob(srv *mcp.Server) {
	type req struct {
		JobID string `json:"job_id"`
	}

	tool := &mcp.Tool{
		Name:        "prix_get_job",
		Description: "Get a job's status, progress and output",
		InputSchema: inputSchema(map[string]any{
			"job_id": map[string]any{"type": "string", "description": "Job ID"},
		}, []string{"job_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		job, err := s.GetJob(ctx, p.JobID)
		if err != nil {
			return nil, err
		}
		if job == nil {
			return nil, fmt.Errorf("job %s not found", p.JobID)
		}
		return job, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (s *Service) registerCancelJob(srv *mcp.Server) {
	type req struct {
		JobID string `json:"job_id"`
	}

	tool := &mcp.Tool{
		Name:        "prix_cancel_job",
		Description: "Request cooperative cancellation of a running job",
		InputSchema: inputSchema(map[string]any{
			"job_id": map[string]any{"type": "string", "description": "Job ID"},
		}, []string{"job_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		cancelled, err := s.CancelJob(ctx, p.JobID)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"cancelled": cancelled}, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (s *Service) registerListStores(srv *mcp.Server) {
	type req struct {
		UserID string `json:"user_id"`
	}

	tool := &mcp.Tool{
		Name:        "prix_list_stores",
		Description: "List registered stores with the user's preference overlay",
		InputSchema: inputSchema(map[string]any{
			"user_id": map[string]any{"type": "string", "description": "User ID"},
		}, []string{"user_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.ListStores(ctx, p.UserID)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (s *Service) registerAddStore(srv *mcp.Server) {
	type req struct {
		UserID            string `json:"user_id"`
		Domain            string `json:"domain"`
		Name              string `json:"name"`
		SearchURLTemplate string `json:"search_url_template"`
		IsLocal           bool   `json:"is_local"`
	}

	tool := &mcp.Tool{
		Name:        "prix_add_store",
		Description: "Register a store by domain and enable it for the user",
		InputSchema: inputSchema(map[string]any{
			"user_id":             map[string]any{"type": "string", "description": "User ID"},
			"domain":              map[string]any{"type": "string", "description": "Store domain, e.g. acmetools.com"},
			"name":                map[string]any{"type": "string", "description": "Display name"},
			"search_url_template": map[string]any{"type": "string", "description": "Search URL template containing {query}"},
			"is_local":            map[string]any{"type": "boolean", "description": "Mark as a local store"},
		}, []string{"user_id", "domain"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.AddStoreByDomain(ctx, p.UserID, AddStoreInput{
			Domain:            p.Domain,
			Name:              p.Name,
			SearchURLTemplate: p.SearchURLTemplate,
			IsLocal:           p.IsLocal,
		})
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (s *Service) registerBestPrice(srv *mcp.Server) {
	type req struct {
		ItemID string `json:"item_id"`
	}

	tool := &mcp.Tool{
		Name:        "prix_best_price",
		Description: "Get the lowest recorded vendor price for an item",
		InputSchema: inputSchema(map[string]any{
			"item_id": map[string]any{"type": "string", "description": "Item ID"},
		}, []string{"item_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if p.ItemID == "" {
			return nil, errors.New("item_id is required")
		}
		vp, err := s.BestPrice(ctx, p.ItemID)
		if err != nil {
			return nil, err
		}
		if vp == nil {
			return map[string]any{"found": false}, nil
		}
		return vp, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
