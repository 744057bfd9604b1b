// trivia-mcp exposes the trivia memory store as an MCP stdio server.
//
// Environment variables:
//
//	TRIVIA_DB          — SQLite database path (default: $HOME/.claude/trivia.db)
//	CLAUDE_PLUGIN_ROOT — roots config discovery (looks for trivia.yaml there)
//
// Usage:
//
//	go install github.com/chrisdickinson/trivia/cmd/trivia-mcp
//	trivia-mcp
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/chrisdickinson/trivia"
)

func main() {
	cfgPath := trivia.ResolveConfigPath(os.Getenv("CLAUDE_PLUGIN_ROOT"))
	var extCfg trivia.ExternalConfig
	if cfgPath != "" {
		var err error
		extCfg, err = trivia.LoadExternalConfig(cfgPath)
		if err != nil {
			log.Fatalf("trivia-mcp: load config %s: %v", cfgPath, err)
		}
	}

	cfg := extCfg.ToStoreConfig(os.Getenv("TRIVIA_DB"))

	st, err := trivia.Open(cfg)
	if err != nil {
		log.Fatalf("trivia-mcp: open store: %v", err)
	}
	defer st.Close()

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "trivia-mcp",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "memorize",
		Description: "Store a short titled fact. Near-duplicate content is folded into the closest existing memory instead of creating a new one.",
	}, memorizeHandler(st))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "recall",
		Description: "Search memories by semantic similarity, ranked by a composite of similarity, recency, recall frequency, link topology, and ratings.",
	}, recallHandler(st))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get",
		Description: "Fetch a single memory by mnemonic.",
	}, getHandler(st))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "update",
		Description: "Rewrite a memory's content, tags, and/or mnemonic (rename).",
	}, updateHandler(st))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete",
		Description: "Delete a memory and every link touching it. Deleting an unknown mnemonic succeeds silently.",
	}, deleteHandler(st))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "rate",
		Description: "Record a useful/not-useful vote against a memory, feeding the composite score's rating boost.",
	}, rateHandler(st))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "link",
		Description: "Create a typed directed link between two memories (related, supersedes, derived_from).",
	}, linkHandler(st))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "unlink",
		Description: "Remove a link between two memories. Unlinking a nonexistent edge succeeds silently.",
	}, unlinkHandler(st))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "merge",
		Description: "Fold one memory's content, tags, links, and counters into another, then delete the discarded one.",
	}, mergeHandler(st))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "graph",
		Description: "Return every memory and every link in the store, unfiltered.",
	}, graphHandler(st))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "neighborhood",
		Description: "Return the one-hop link neighborhood of a single memory.",
	}, neighborhoodHandler(st))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_tags",
		Description: "List every tag in use, most-used first.",
	}, listTagsHandler(st))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "export",
		Description: "Export memories (optionally filtered by tag) to a directory as one markdown file per memory plus a links.yaml sidecar.",
	}, exportHandler(st))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "import",
		Description: "Import memories and links previously written by export from a directory.",
	}, importHandler(st))

	if err := server.Run(context.Background(), &mcp.StdioTransport{}); err != nil {
		log.Fatalf("trivia-mcp: %v", err)
	}
}

// --- Input types ---

type memorizeInput struct {
	Mnemonic string   `json:"mnemonic" jsonschema:"Short unique title for this memory"`
	Content  string   `json:"content"  jsonschema:"The fact or note to remember"`
	Tags     []string `json:"tags,omitempty" jsonschema:"Tags to attach, lowercased and deduped automatically"`
}

type recallInput struct {
	Query     string   `json:"query"                jsonschema:"What to search for"`
	Limit     int      `json:"limit,omitempty"      jsonschema:"Max results to return (default 10)"`
	TagFilter []string `json:"tag_filter,omitempty" jsonschema:"Only consider memories carrying at least one of these tags"`
	BoostTags []string `json:"boost_tags,omitempty" jsonschema:"Tags that nudge a candidate's score upward if present"`
}

type getInput struct {
	Mnemonic string `json:"mnemonic" jsonschema:"Mnemonic to fetch"`
}

type updateInput struct {
	Mnemonic    string   `json:"mnemonic"               jsonschema:"Mnemonic to update"`
	NewMnemonic string   `json:"new_mnemonic,omitempty" jsonschema:"Rename to this mnemonic"`
	Content     string   `json:"content,omitempty"      jsonschema:"Replace the content"`
	Tags        []string `json:"tags,omitempty"         jsonschema:"Replace the tag set entirely (pass an empty list to clear all tags)"`
}

type deleteInput struct {
	Mnemonic string `json:"mnemonic" jsonschema:"Mnemonic to delete"`
}

type rateInput struct {
	Mnemonic string `json:"mnemonic" jsonschema:"Mnemonic to rate"`
	Useful   bool   `json:"useful"   jsonschema:"true for a useful vote, false for not-useful"`
}

type linkInput struct {
	Source   string `json:"source"    jsonschema:"Source mnemonic"`
	Target   string `json:"target"    jsonschema:"Target mnemonic"`
	LinkType string `json:"link_type" jsonschema:"related, supersedes, or derived_from"`
}

type mergeInput struct {
	Keep    string `json:"keep"    jsonschema:"Mnemonic to keep"`
	Discard string `json:"discard" jsonschema:"Mnemonic to fold into keep and delete"`
}

// graphInput is empty: graph() takes no arguments and applies no filtering.
type graphInput struct{}

type neighborhoodInput struct {
	Mnemonic string `json:"mnemonic" jsonschema:"Mnemonic whose link neighborhood to return"`
}

type exportInput struct {
	Dir       string   `json:"dir"                  jsonschema:"Directory to write exported files to"`
	TagFilter []string `json:"tag_filter,omitempty" jsonschema:"Only export memories carrying at least one of these tags"`
}

type importInput struct {
	Dir string `json:"dir" jsonschema:"Directory previously populated by export"`
}

type listTagsInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"Max tags to return (default: all)"`
}

// --- Handlers ---

func memorizeHandler(st *trivia.Store) func(context.Context, *mcp.CallToolRequest, memorizeInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input memorizeInput) (*mcp.CallToolResult, any, error) {
		mem, err := st.Memorize(ctx, input.Mnemonic, input.Content, input.Tags)
		if err != nil {
			return errResult(err), nil, nil
		}
		return textResult(jsonString(memoryToMap(mem))), nil, nil
	}
}

func recallHandler(st *trivia.Store) func(context.Context, *mcp.CallToolRequest, recallInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input recallInput) (*mcp.CallToolResult, any, error) {
		results, err := st.Recall(ctx, trivia.RecallOptions{
			Query:     input.Query,
			Limit:     input.Limit,
			TagFilter: input.TagFilter,
			BoostTags: input.BoostTags,
		})
		if err != nil {
			return errResult(err), nil, nil
		}
		out := make([]map[string]any, len(results))
		for i, r := range results {
			m := memoryToMap(r.Memory)
			m["score"] = r.Score
			m["similarity"] = r.Similarity
			out[i] = m
		}
		return textResult(jsonString(out)), nil, nil
	}
}

func getHandler(st *trivia.Store) func(context.Context, *mcp.CallToolRequest, getInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input getInput) (*mcp.CallToolResult, any, error) {
		mem, err := st.Get(input.Mnemonic)
		if err != nil {
			return errResult(err), nil, nil
		}
		return textResult(jsonString(memoryToMap(mem))), nil, nil
	}
}

func updateHandler(st *trivia.Store) func(context.Context, *mcp.CallToolRequest, updateInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input updateInput) (*mcp.CallToolResult, any, error) {
		opts := trivia.UpdateOptions{
			NewMnemonic: input.NewMnemonic,
			Content:     input.Content,
		}
		if input.Tags != nil {
			opts.Tags = input.Tags
		}
		mem, err := st.Update(ctx, input.Mnemonic, opts)
		if err != nil {
			return errResult(err), nil, nil
		}
		return textResult(jsonString(memoryToMap(mem))), nil, nil
	}
}

func deleteHandler(st *trivia.Store) func(context.Context, *mcp.CallToolRequest, deleteInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input deleteInput) (*mcp.CallToolResult, any, error) {
		if err := st.Delete(input.Mnemonic); err != nil {
			return errResult(err), nil, nil
		}
		return textResult(`{"status": "deleted"}`), nil, nil
	}
}

func rateHandler(st *trivia.Store) func(context.Context, *mcp.CallToolRequest, rateInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input rateInput) (*mcp.CallToolResult, any, error) {
		if err := st.Rate(input.Mnemonic, input.Useful); err != nil {
			return errResult(err), nil, nil
		}
		return textResult(`{"status": "rated"}`), nil, nil
	}
}

func linkHandler(st *trivia.Store) func(context.Context, *mcp.CallToolRequest, linkInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input linkInput) (*mcp.CallToolResult, any, error) {
		if err := st.Link(input.Source, input.Target, trivia.LinkType(input.LinkType)); err != nil {
			return errResult(err), nil, nil
		}
		return textResult(`{"status": "linked"}`), nil, nil
	}
}

func unlinkHandler(st *trivia.Store) func(context.Context, *mcp.CallToolRequest, linkInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input linkInput) (*mcp.CallToolResult, any, error) {
		if err := st.Unlink(input.Source, input.Target, trivia.LinkType(input.LinkType)); err != nil {
			return errResult(err), nil, nil
		}
		return textResult(`{"status": "unlinked"}`), nil, nil
	}
}

func mergeHandler(st *trivia.Store) func(context.Context, *mcp.CallToolRequest, mergeInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input mergeInput) (*mcp.CallToolResult, any, error) {
		mem, err := st.Merge(ctx, input.Keep, input.Discard)
		if err != nil {
			return errResult(err), nil, nil
		}
		return textResult(jsonString(memoryToMap(mem))), nil, nil
	}
}

func graphHandler(st *trivia.Store) func(context.Context, *mcp.CallToolRequest, graphInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input graphInput) (*mcp.CallToolResult, any, error) {
		nodes, edges, err := st.Graph()
		if err != nil {
			return errResult(err), nil, nil
		}
		nodeMaps := make([]map[string]any, len(nodes))
		for i, n := range nodes {
			nodeMaps[i] = memoryToMap(n)
		}
		return textResult(jsonString(map[string]any{
			"nodes": nodeMaps,
			"edges": linksToMaps(edges),
		})), nil, nil
	}
}

func neighborhoodHandler(st *trivia.Store) func(context.Context, *mcp.CallToolRequest, neighborhoodInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input neighborhoodInput) (*mcp.CallToolResult, any, error) {
		n, err := st.Neighborhood(input.Mnemonic)
		if err != nil {
			return errResult(err), nil, nil
		}
		return textResult(jsonString(map[string]any{
			"mnemonic": n.Mnemonic,
			"outgoing": linksToMaps(n.Outgoing),
			"incoming": linksToMaps(n.Incoming),
		})), nil, nil
	}
}

func listTagsHandler(st *trivia.Store) func(context.Context, *mcp.CallToolRequest, listTagsInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input listTagsInput) (*mcp.CallToolResult, any, error) {
		tags, err := st.ListTags()
		if err != nil {
			return errResult(err), nil, nil
		}
		if input.Limit > 0 && input.Limit < len(tags) {
			tags = tags[:input.Limit]
		}
		out := make([]map[string]any, len(tags))
		for i, tc := range tags {
			out[i] = map[string]any{"tag": tc.Tag, "count": tc.Count}
		}
		return textResult(jsonString(out)), nil, nil
	}
}

func exportHandler(st *trivia.Store) func(context.Context, *mcp.CallToolRequest, exportInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input exportInput) (*mcp.CallToolResult, any, error) {
		if err := st.Export(input.Dir, input.TagFilter); err != nil {
			return errResult(err), nil, nil
		}
		return textResult(`{"status": "exported"}`), nil, nil
	}
}

func importHandler(st *trivia.Store) func(context.Context, *mcp.CallToolRequest, importInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input importInput) (*mcp.CallToolResult, any, error) {
		if err := st.Import(ctx, input.Dir); err != nil {
			return errResult(err), nil, nil
		}
		return textResult(`{"status": "imported"}`), nil, nil
	}
}

// --- Helpers ---

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

func errResult(err error) *mcp.CallToolResult {
	return textResult(fmt.Sprintf(`{"error": %q}`, err.Error()))
}

func memoryToMap(m trivia.Memory) map[string]any {
	return map[string]any{
		"mnemonic":         m.Mnemonic,
		"content":          m.Content,
		"tags":             m.Tags,
		"created_at":       m.CreatedAt,
		"updated_at":       m.UpdatedAt,
		"recall_count":     m.RecallCount,
		"useful_count":     m.UsefulCount,
		"not_useful_count": m.NotUsefulCount,
	}
}

func linksToMaps(links []trivia.Link) []map[string]any {
	out := make([]map[string]any, len(links))
	for i, l := range links {
		out[i] = map[string]any{
			"source":    l.Source,
			"target":    l.Target,
			"link_type": string(l.LinkType),
			"created_at": l.CreatedAt,
		}
	}
	return out
}

func jsonString(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": "marshal: %v"}`, err)
	}
	return string(data)
}
