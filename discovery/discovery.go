// Package discovery tracks which peers serve which capabilities.
// Nodes periodically publish a capability announcement (kind 31990)
// carrying a JSON catalog of action templates; the directory collects
// them and prunes peers whose announcements stop arriving.
package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/OpenAgentsInc/openagents-pool/event"
)

// Action is one advertised capability: an executable template plus
// free-form metadata and socket descriptors for its inputs and
// outputs.
type Action struct {
	Template string          `json:"template"`
	Meta     json.RawMessage `json:"meta,omitempty"`
	Sockets  json.RawMessage `json:"sockets,omitempty"`
}

// hasTag reports whether the action's meta carries the given entry in
// its "tags" list. Actions without parseable tag metadata match no tag.
func (a Action) hasTag(tag string) bool {
	if len(a.Meta) == 0 {
		return false
	}
	var meta struct {
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal(a.Meta, &meta); err != nil {
		return false
	}
	for _, t := range meta.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// hash identifies an action by content, so re-registering the same
// template is a no-op.
func (a Action) hash() string {
	h := sha256.New()
	h.Write([]byte(a.Template))
	h.Write(a.Meta)
	h.Write(a.Sockets)
	return hex.EncodeToString(h.Sum(nil))
}

// Catalog is the JSON payload of a capability announcement.
type Catalog struct {
	Name        string   `json:"name,omitempty"`
	Picture     string   `json:"picture,omitempty"`
	Description string   `json:"description,omitempty"`
	Actions     []Action `json:"actions,omitempty"`
}

// Node is one discovered peer: the announcement's author plus its
// parsed catalog.
type Node struct {
	PubKey  string
	NodeID  string // d tag
	Kinds   []int  // k tags
	Catalog Catalog
	SeenAt  time.Time
}

// key distinguishes multiple node instances behind one key.
func (n *Node) key() string { return n.PubKey + "/" + n.NodeID }

// ParseAnnouncement interprets a kind-31990 event. Announcements with
// malformed catalogs are rejected; the directory never stores content
// it cannot serve back.
func ParseAnnouncement(ev *nostr.Event) (*Node, error) {
	if ev.Kind != event.KindAnnouncement {
		return nil, fmt.Errorf("discovery: not an announcement: kind %d", ev.Kind)
	}
	n := &Node{
		PubKey: ev.PubKey,
		NodeID: event.FirstValue(ev, "d"),
		SeenAt: ev.CreatedAt.Time(),
	}
	for _, vs := range event.Values(ev, "k") {
		if len(vs) == 0 {
			continue
		}
		if kind, err := strconv.Atoi(vs[0]); err == nil {
			n.Kinds = append(n.Kinds, kind)
		}
	}
	if ev.Content != "" {
		if err := json.Unmarshal([]byte(ev.Content), &n.Catalog); err != nil {
			return nil, fmt.Errorf("discovery: parse catalog: %w", err)
		}
	}
	return n, nil
}

// ServesKind reports whether the node advertised the given kind. A
// node without k tags is assumed to serve everything it announces
// actions for.
func (n *Node) ServesKind(kind int) bool {
	if len(n.Kinds) == 0 {
		return true
	}
	for _, k := range n.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// servesKindRange reports whether any advertised kind falls within
// [min, max]. Empty k-tag lists match, as in ServesKind.
func (n *Node) servesKindRange(min, max int) bool {
	if len(n.Kinds) == 0 {
		return true
	}
	for _, k := range n.Kinds {
		if k >= min && k <= max {
			return true
		}
	}
	return false
}
