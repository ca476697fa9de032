// Package configmerge implements the Config Merger (spec.md §4.10): hook
// resources are merged into `.claude/settings.local.json` keyed by event
// name, and MCP-server resources into a tool's MCP config file keyed by
// alias under `mcpServers`.
//
// gjson/sjson (already in the dependency surface for their surgical,
// path-based JSON edits) let this package touch only the `hooks.<event>`
// or `mcpServers.<alias>` subtree of a config file a user may hand-edit
// for unrelated settings, rather than round-tripping the whole document
// through a generic map and losing anything this package doesn't know
// about.
package configmerge

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/agpm-dev/agpm/internal/model"
)

// agpmIDField tags every merged entry with the resource identity that
// produced it, so a later merge (or removal) can find and replace/delete
// exactly its own entries without disturbing handlers or servers a user
// added by hand.
const agpmIDField = "_agpm_id"

// HookEntry is one hook resource ready to merge, keyed by its resource
// identity for dedup/removal.
type HookEntry struct {
	Identity string
	Event    string
	Handler  map[string]any
}

// MCPEntry is one MCP-server resource ready to merge, keyed by its
// manifest alias (or declared name).
type MCPEntry struct {
	Alias  string
	Config map[string]any
}

// MergeHooks applies entries onto existing (a `.claude/settings.local.json`
// document, or nil for a fresh one), replacing any prior entry with the
// same identity and appending new ones, grouped by event.
func MergeHooks(existing []byte, entries []HookEntry) ([]byte, error) {
	doc := ensureObject(existing)

	byEvent := map[string][]HookEntry{}
	for _, e := range entries {
		byEvent[e.Event] = append(byEvent[e.Event], e)
	}

	events := make([]string, 0, len(byEvent))
	for ev := range byEvent {
		events = append(events, ev)
	}
	sort.Strings(events)

	for _, event := range events {
		path := "hooks." + event
		replacing := map[string]bool{}
		for _, e := range byEvent[event] {
			replacing[e.Identity] = true
		}

		var kept []map[string]any
		for _, item := range gjson.GetBytes(doc, path).Array() {
			var handler map[string]any
			if err := json.Unmarshal([]byte(item.Raw), &handler); err != nil {
				continue
			}
			if id, ok := handler[agpmIDField].(string); ok && replacing[id] {
				continue
			}
			kept = append(kept, handler)
		}
		for _, e := range byEvent[event] {
			h := cloneMap(e.Handler)
			h[agpmIDField] = e.Identity
			kept = append(kept, h)
		}

		arrayJSON, err := canonicalArray(kept)
		if err != nil {
			return nil, fmt.Errorf("configmerge: encoding hooks.%s: %w", event, err)
		}
		doc, err = sjson.SetRawBytes(doc, path, arrayJSON)
		if err != nil {
			return nil, fmt.Errorf("configmerge: writing hooks.%s: %w", event, err)
		}
	}

	return doc, nil
}

// RemoveHooks deletes every hook entry in existing whose identity is in
// identities, across all events — used when a hook resource disappears
// between lockfiles (spec.md §4.10's "Removal").
func RemoveHooks(existing []byte, identities []string) ([]byte, error) {
	if len(identities) == 0 {
		return existing, nil
	}
	doc := ensureObject(existing)
	drop := map[string]bool{}
	for _, id := range identities {
		drop[id] = true
	}

	events := gjson.GetBytes(doc, "hooks").Map()
	eventNames := make([]string, 0, len(events))
	for ev := range events {
		eventNames = append(eventNames, ev)
	}
	sort.Strings(eventNames)

	for _, event := range eventNames {
		path := "hooks." + event
		var kept []map[string]any
		for _, item := range gjson.GetBytes(doc, path).Array() {
			var handler map[string]any
			if err := json.Unmarshal([]byte(item.Raw), &handler); err != nil {
				continue
			}
			if id, ok := handler[agpmIDField].(string); ok && drop[id] {
				continue
			}
			kept = append(kept, handler)
		}
		var err error
		if len(kept) == 0 {
			doc, err = sjson.DeleteBytes(doc, path)
		} else {
			var arrayJSON []byte
			arrayJSON, err = canonicalArray(kept)
			if err == nil {
				doc, err = sjson.SetRawBytes(doc, path, arrayJSON)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("configmerge: removing hooks.%s entries: %w", event, err)
		}
	}
	return doc, nil
}

// MergeMCPServers applies entries onto existing (e.g. `.mcp.json`),
// replacing or inserting each server under `mcpServers.<alias>`.
func MergeMCPServers(existing []byte, entries []MCPEntry) ([]byte, error) {
	doc := ensureObject(existing)
	sorted := append([]MCPEntry{}, entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Alias < sorted[j].Alias })

	for _, e := range sorted {
		cfgJSON, err := canonicalObject(e.Config)
		if err != nil {
			return nil, fmt.Errorf("configmerge: encoding mcpServers.%s: %w", e.Alias, err)
		}
		doc, err = sjson.SetRawBytes(doc, "mcpServers."+sjsonEscape(e.Alias), cfgJSON)
		if err != nil {
			return nil, fmt.Errorf("configmerge: writing mcpServers.%s: %w", e.Alias, err)
		}
	}
	return doc, nil
}

// RemoveMCPServers deletes each named alias from existing's `mcpServers`
// map.
func RemoveMCPServers(existing []byte, aliases []string) ([]byte, error) {
	doc := ensureObject(existing)
	for _, alias := range aliases {
		path := "mcpServers." + sjsonEscape(alias)
		if !gjson.GetBytes(doc, path).Exists() {
			continue
		}
		var err error
		doc, err = sjson.DeleteBytes(doc, path)
		if err != nil {
			return nil, fmt.Errorf("configmerge: removing mcpServers.%s: %w", alias, err)
		}
	}
	return doc, nil
}

func ensureObject(existing []byte) []byte {
	if len(existing) == 0 {
		return []byte("{}")
	}
	return existing
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func canonicalObject(m map[string]any) ([]byte, error) {
	return model.CanonicalJSON(m)
}

func canonicalArray(items []map[string]any) ([]byte, error) {
	arr := make([]any, len(items))
	for i, it := range items {
		arr[i] = it
	}
	return model.CanonicalJSON(arr)
}

// sjsonEscape escapes dots and the wildcards '*' and '?' in a path segment,
// per sjson's path syntax.
func sjsonEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '*', '?':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
