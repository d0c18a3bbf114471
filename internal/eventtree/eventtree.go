// Package eventtree renders the parent/child structure of the events table.
package eventtree

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/stupiduntilnot/aibot/internal/db"
)

// Node is an event with its children attached.
type Node struct {
	db.Event
	Children []*Node
}

// Options control rendering.
type Options struct {
	// MaxDepth limits how many levels are shown; 0 means unlimited.
	MaxDepth  int
	NoPayload bool
}

// Build organizes a flat list of events into a tree rooted at rootID.
// It returns nil when rootID is not in the list.
func Build(events []db.Event, rootID int64) *Node {
	byID := make(map[int64]*Node, len(events))
	nodes := make([]*Node, 0, len(events))
	for _, ev := range events {
		n := &Node{Event: ev}
		byID[ev.ID] = n
		nodes = append(nodes, n)
	}

	for _, n := range nodes {
		if n.ParentID.Valid && n.ParentID.Int64 != n.ID {
			if parent, ok := byID[n.ParentID.Int64]; ok {
				parent.Children = append(parent.Children, n)
			}
		}
	}
	for _, n := range nodes {
		sort.Slice(n.Children, func(i, j int) bool {
			return n.Children[i].ID < n.Children[j].ID
		})
	}

	return byID[rootID]
}

// Render writes the tree using box-drawing characters.
func Render(w io.Writer, root *Node, opts Options) error {
	var b strings.Builder
	render(&b, root, "", true, 1, opts)
	_, err := io.WriteString(w, b.String())
	return err
}

func render(b *strings.Builder, n *Node, prefix string, isLast bool, depth int, opts Options) {
	connector := "├── "
	if isLast {
		connector = "└── "
	}
	if depth == 1 {
		b.WriteString(FormatEvent(n.Event, opts.NoPayload) + "\n")
	} else {
		b.WriteString(prefix + connector + FormatEvent(n.Event, opts.NoPayload) + "\n")
	}

	childPrefix := prefix
	if depth > 1 {
		if isLast {
			childPrefix += "    "
		} else {
			childPrefix += "│   "
		}
	}

	if opts.MaxDepth > 0 && depth >= opts.MaxDepth {
		if len(n.Children) > 0 {
			b.WriteString(childPrefix + "└── [...]\n")
		}
		return
	}
	for i, child := range n.Children {
		render(b, child, childPrefix, i == len(n.Children)-1, depth+1, opts)
	}
}

// FormatEvent formats one event: [id] timestamp  event_type  key=value ...
func FormatEvent(ev db.Event, noPayload bool) string {
	ts := time.Unix(ev.Timestamp, 0).UTC().Format("2006-01-02 15:04:05")
	line := fmt.Sprintf("[%d] %s  %s", ev.ID, ts, ev.EventType)
	if noPayload {
		return line
	}

	m := payloadMap(ev)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf("  %s=%s", k, FormatValue(m[k]))
	}
	return line
}

// FormatValue converts a payload value to a display string, truncating long text.
func FormatValue(v any) string {
	switch val := v.(type) {
	case string:
		if r := []rune(val); len(r) > 80 {
			return fmt.Sprintf("%q", string(r[:80])+"...")
		}
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

type jsonNode struct {
	ID        int64          `json:"id"`
	Timestamp int64          `json:"timestamp"`
	ParentID  *int64         `json:"parent_id,omitempty"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Children  []jsonNode     `json:"children,omitempty"`
}

func toJSON(n *Node, depth int, opts Options) jsonNode {
	jn := jsonNode{
		ID:        n.ID,
		Timestamp: n.Timestamp,
		EventType: n.EventType,
	}
	if n.ParentID.Valid {
		parent := n.ParentID.Int64
		jn.ParentID = &parent
	}
	if !opts.NoPayload {
		jn.Payload = payloadMap(n.Event)
	}
	if opts.MaxDepth > 0 && depth >= opts.MaxDepth {
		return jn
	}
	for _, child := range n.Children {
		jn.Children = append(jn.Children, toJSON(child, depth+1, opts))
	}
	return jn
}

// RenderJSON writes the tree as indented JSON.
func RenderJSON(w io.Writer, root *Node, opts Options) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(toJSON(root, 1, opts)); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

func payloadMap(ev db.Event) map[string]any {
	if !ev.Payload.Valid || ev.Payload.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ev.Payload.String), &m); err != nil {
		return nil
	}
	return m
}
