// Package catalog builds and serves the merged tool directory: every
// tool advertised by every connected MCP server, under globally unique
// names, in a form the reasoning model can consume.
//
// A Catalog is an immutable snapshot. Topology changes (a server going
// down or coming back) are handled by building a fresh catalog and
// swapping it into the Holder — readers never observe a half-built
// directory.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cobaltforge/relay/internal/mcp"
)

// Conn is the connection surface the catalog and dispatcher need.
// *mcp.Conn implements it.
type Conn interface {
	Name() string
	State() mcp.State
	ListTools(ctx context.Context) ([]mcp.ToolDef, error)
	Invoke(ctx context.Context, name string, args map[string]any, timeout time.Duration) (string, error)
}

// Source pairs a connection with its bridging filters.
//
// If Include is non-empty, only tools whose server-side names appear
// in it are listed. Otherwise tools named in Exclude are skipped.
type Source struct {
	Conn    Conn
	Include []string
	Exclude []string
}

// Entry describes one catalog tool: which server owns it and its
// definition as advertised.
type Entry struct {
	Server string
	Def    mcp.ToolDef
}

type boundEntry struct {
	Entry
	conn Conn
}

// UnknownToolError is returned by Resolve for names not in the catalog.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// Catalog is an immutable snapshot of the merged tool directory.
type Catalog struct {
	entries map[string]boundEntry
	names   []string // sorted qualified names
}

// Build lists tools from every Ready connection in parallel and merges
// them into one directory. A connection whose listing fails is logged
// and skipped; the others are unaffected.
//
// Tool names that are unique across servers keep their plain
// (sanitized) name. On a collision, both entries are qualified as
// "<server>_<tool>" — neither shadows the other.
func Build(ctx context.Context, sources []Source, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}

	type listing struct {
		source Source
		tools  []mcp.ToolDef
	}

	var (
		mu       sync.Mutex
		listings []listing
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		src := src
		g.Go(func() error {
			if state := src.Conn.State(); state != mcp.StateReady {
				logger.Debug("skipping server in catalog build",
					"server", src.Conn.Name(),
					"state", state,
				)
				return nil
			}

			tools, err := src.Conn.ListTools(gctx)
			if err != nil {
				logger.Warn("tool listing failed, server excluded from catalog",
					"server", src.Conn.Name(),
					"error", err,
				)
				return nil
			}

			mu.Lock()
			listings = append(listings, listing{source: src, tools: filterTools(tools, src)})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // goroutines report via log, never via error

	// First pass: how many servers advertise each plain name.
	plainCount := make(map[string]int)
	for _, l := range listings {
		for _, td := range l.tools {
			plainCount[sanitize(td.Name)]++
		}
	}

	entries := make(map[string]boundEntry)
	for _, l := range listings {
		server := l.source.Conn.Name()
		for _, td := range l.tools {
			name := sanitize(td.Name)
			if plainCount[name] > 1 {
				name = QualifiedName(server, td.Name)
			}
			if prev, ok := entries[name]; ok {
				logger.Warn("duplicate qualified tool name, keeping first",
					"name", name,
					"kept_server", prev.Server,
					"dropped_server", server,
				)
				continue
			}
			entries[name] = boundEntry{
				Entry: Entry{Server: server, Def: td},
				conn:  l.source.Conn,
			}
		}
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	logger.Info("catalog built", "tools", len(names), "servers", len(listings))

	return &Catalog{entries: entries, names: names}
}

// filterTools applies the source's include/exclude lists to the
// server-side tool names.
func filterTools(tools []mcp.ToolDef, src Source) []mcp.ToolDef {
	includeSet := toSet(src.Include)
	excludeSet := toSet(src.Exclude)

	var out []mcp.ToolDef
	for _, td := range tools {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}
		out = append(out, td)
	}
	return out
}

// Resolve maps a qualified name to the owning connection and entry.
func (c *Catalog) Resolve(name string) (Conn, Entry, error) {
	e, ok := c.entries[name]
	if !ok {
		return nil, Entry{}, &UnknownToolError{Name: name}
	}
	return e.conn, e.Entry, nil
}

// ServerName returns the server-side tool name behind a qualified
// catalog name. Invocations must use this, not the catalog name.
func (c *Catalog) ServerName(qualified string) (string, bool) {
	e, ok := c.entries[qualified]
	if !ok {
		return "", false
	}
	return e.Def.Name, true
}

// Tools returns every descriptor in the function-calling wire shape
// handed to the model, sorted by qualified name. The model has no
// memory of past catalogs, so this is presented in full every turn.
func (c *Catalog) Tools() []map[string]any {
	out := make([]map[string]any, 0, len(c.names))
	for _, name := range c.names {
		e := c.entries[name]
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        name,
				"description": e.Def.Description,
				"parameters":  e.Def.InputSchema,
			},
		})
	}
	return out
}

// Names returns the sorted qualified names.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

// Len returns the number of catalog entries.
func (c *Catalog) Len() int { return len(c.entries) }

// Holder publishes the current catalog snapshot. Swaps are atomic;
// readers keep whatever snapshot they grabbed until their next read.
type Holder struct {
	v atomic.Pointer[Catalog]
}

// NewHolder creates a holder seeded with the given catalog.
func NewHolder(c *Catalog) *Holder {
	h := &Holder{}
	h.v.Store(c)
	return h
}

// Current returns the current snapshot.
func (h *Holder) Current() *Catalog { return h.v.Load() }

// Swap publishes a new snapshot.
func (h *Holder) Swap(c *Catalog) { h.v.Store(c) }

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// QualifiedName produces the collision-proof form of a tool name:
// "<server>_<tool>", both components sanitized.
func QualifiedName(server, tool string) string {
	return fmt.Sprintf("%s_%s", sanitize(server), sanitize(tool))
}

// sanitize converts a name to lowercase and replaces characters other
// than alphanumerics and underscores with underscores. Consecutive
// underscores are collapsed and leading/trailing underscores trimmed.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "_")
	s = sanitizeRe.ReplaceAllString(s, "_")

	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
