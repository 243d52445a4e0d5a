package mcp

import (
	"github.com/scrypster/recall/pkg/types"
)

func stringProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

func enumProp(description string, values []string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description, "enum": values}
}

func categoryNames() []string {
	out := make([]string, len(types.Categories))
	for i, c := range types.Categories {
		out[i] = string(c)
	}
	return out
}

func kindNames() []string {
	out := make([]string, len(types.Kinds))
	for i, k := range types.Kinds {
		out[i] = string(k)
	}
	return out
}

func tierNames() []string {
	out := make([]string, len(types.Kinds))
	for i, k := range types.Kinds {
		out[i] = k.TierName()
	}
	return out
}

// toolDefinitions returns the canonical list of MCP tool definitions.
func toolDefinitions() []MCPTool {
	stringList := map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}}

	return []MCPTool{
		{
			Name: "recall_store",
			Description: "Store a memory. Near-identical content is not stored twice: the existing record's ID is returned. " +
				"Close matches are merged into one record.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"content"},
				"properties": map[string]interface{}{
					"content":    stringProp("The memory content to store (required)"),
					"kind":       enumProp("What the record is; picks its search tier (default conversation)", kindNames()),
					"category":   enumProp("Category (default general)", categoryNames()),
					"tags":       stringList,
					"source":     stringProp("Where this memory came from (default mcp)"),
					"project":    stringProp("Project the memory belongs to"),
					"session_id": stringProp("Session override; defaults to this server's session"),
				},
			},
		},
		{
			Name:        "recall_get",
			Description: "Fetch one memory by ID. IDs of merged records resolve to the surviving record.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"id"},
				"properties": map[string]interface{}{
					"id": stringProp("Memory ID"),
				},
			},
		},
		{
			Name: "recall_search",
			Description: "Search memories tier by tier (summaries, insights, reflections, conversations), " +
				"stopping once the results are good enough. Repeated queries are served from cache.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"query"},
				"properties": map[string]interface{}{
					"query":    stringProp("Natural-language query (required)"),
					"tiers":    map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string", "enum": tierNames()}},
					"category": enumProp("Restrict to one category", categoryNames()),
					"context":  map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}, "description": "Recent conversation turns"},
					"limit":    map[string]interface{}{"type": "integer", "description": "Max results (default 10)"},
					"no_cache": map[string]interface{}{"type": "boolean", "description": "Bypass the query cache"},
				},
			},
		},
		{
			Name:        "recall_evolve_category",
			Description: "Re-cluster one category into subcategories now. Returns the evolution snapshot.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"category"},
				"properties": map[string]interface{}{
					"category": enumProp("Category to evolve", categoryNames()),
				},
			},
		},
		{
			Name:        "recall_record_interaction",
			Description: "Record that a user used an item (a tool, workflow or memory) and whether it worked.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"item_id"},
				"properties": map[string]interface{}{
					"user_id":    stringProp("User identifier, stored only as a keyed hash (default: the local user)"),
					"item_id":    stringProp("Item identifier"),
					"success":    map[string]interface{}{"type": "boolean", "description": "Whether the interaction succeeded"},
					"rating":     map[string]interface{}{"type": "number", "minimum": 0, "maximum": 5, "description": "Optional explicit rating"},
					"session_id": stringProp("Session the interaction belongs to"),
				},
			},
		},
		{
			Name:        "recall_recommend",
			Description: "Recommend items that worked for similar users. With no user known, returns the most reliable items overall.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"user_id": stringProp("User to recommend for (default: the local user)"),
					"limit":   map[string]interface{}{"type": "integer", "description": "Max recommendations (default 10)"},
				},
			},
		},
		{
			Name:        "recall_invalidate_cache",
			Description: "Evict cached search results: all, one tier, or every entry containing a record (id:<record id>).",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"scope": stringProp("all (default), a tier name, or id:<record id>"),
				},
			},
		},
	}
}
