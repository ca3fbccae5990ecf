package discovery_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/OpenAgentsInc/openagents-pool/discovery"
	"github.com/OpenAgentsInc/openagents-pool/relay/memory"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func announcement(id, pubkey, nodeID string, at time.Time, catalog string, kinds ...string) *nostr.Event {
	tags := nostr.Tags{{"d", nodeID}}
	for _, k := range kinds {
		tags = append(tags, nostr.Tag{"k", k})
	}
	return &nostr.Event{
		ID:        id,
		PubKey:    pubkey,
		Kind:      31990,
		CreatedAt: nostr.Timestamp(at.Unix()),
		Content:   catalog,
		Tags:      tags,
	}
}

func TestParseAnnouncement(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	ev := announcement("ann-1", "peer-1", "node-1", now, `{
		"name": "summarizer",
		"description": "text summarization",
		"actions": [{"template": "{\"kind\":5003}", "meta": {"tos": ""}}]
	}`, "5003", "5004")

	n, err := discovery.ParseAnnouncement(ev)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if n.PubKey != "peer-1" || n.NodeID != "node-1" {
		t.Fatalf("node = %+v", n)
	}
	if len(n.Kinds) != 2 || n.Kinds[0] != 5003 {
		t.Fatalf("kinds = %v", n.Kinds)
	}
	if n.Catalog.Name != "summarizer" {
		t.Fatalf("catalog = %+v", n.Catalog)
	}
	if len(n.Catalog.Actions) != 1 {
		t.Fatalf("actions = %+v", n.Catalog.Actions)
	}
	if !n.ServesKind(5003) || n.ServesKind(6003) {
		t.Fatal("kind filter wrong")
	}

	if _, err := discovery.ParseAnnouncement(&nostr.Event{Kind: 5003}); err == nil {
		t.Fatal("accepted a non-announcement")
	}
	if _, err := discovery.ParseAnnouncement(announcement("bad", "p", "n", now, "{not-json")); err == nil {
		t.Fatal("accepted a malformed catalog")
	}
}

func TestDirectoryMergeAndPrune(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	d := discovery.NewDirectory(time.Minute, discard())

	if err := d.Merge(announcement("a1", "peer-1", "node-1", now, `{"name":"one"}`, "5003")); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := d.Merge(announcement("a2", "peer-2", "node-1", now, `{"name":"two"}`, "5100")); err != nil {
		t.Fatalf("merge: %v", err)
	}

	// A newer announcement from the same peer replaces its catalog.
	if err := d.Merge(announcement("a3", "peer-1", "node-1", now.Add(time.Second), `{"name":"one-v2"}`, "5003")); err != nil {
		t.Fatalf("merge: %v", err)
	}
	// An older one does not.
	if err := d.Merge(announcement("a4", "peer-1", "node-1", now.Add(-time.Minute), `{"name":"ancient"}`)); err != nil {
		t.Fatalf("merge: %v", err)
	}

	nodes := d.Nodes()
	if len(nodes) != 2 {
		t.Fatalf("nodes = %d", len(nodes))
	}
	for _, n := range nodes {
		if n.PubKey == "peer-1" && n.Catalog.Name != "one-v2" {
			t.Fatalf("peer-1 catalog = %q", n.Catalog.Name)
		}
	}

	if got := d.FindByKind(5003); len(got) != 1 || got[0].PubKey != "peer-1" {
		t.Fatalf("findByKind = %+v", got)
	}

	// Past the stale horizon (2.5x interval) peers are dropped.
	if dropped := d.Prune(now.Add(4 * time.Minute)); dropped != 2 {
		t.Fatalf("pruned = %d", dropped)
	}
	if len(d.Nodes()) != 0 {
		t.Fatal("directory not empty after prune")
	}
}

func TestAnnouncerPublishes(t *testing.T) {
	bus := memory.New()
	sk := nostr.GeneratePrivateKey()
	a := discovery.NewAnnouncer(bus, sk, "node-1", time.Minute, discard())
	a.SetProfile("summarizer", "", "text summarization")
	a.SetKinds([]int{5003})
	a.RegisterAction(discovery.Action{Template: `{"kind":5003}`})
	a.RegisterAction(discovery.Action{Template: `{"kind":5003}`}) // duplicate, ignored

	if err := a.Announce(context.Background()); err != nil {
		t.Fatalf("announce: %v", err)
	}

	events := bus.EventsOfKind(31990)
	if len(events) != 1 {
		t.Fatalf("announcements = %d", len(events))
	}
	ev := events[0]
	if ok, _ := ev.CheckSignature(); !ok {
		t.Fatal("announcement not signed")
	}

	var catalog discovery.Catalog
	if err := json.Unmarshal([]byte(ev.Content), &catalog); err != nil {
		t.Fatalf("catalog: %v", err)
	}
	if catalog.Name != "summarizer" || len(catalog.Actions) != 1 {
		t.Fatalf("catalog = %+v", catalog)
	}

	// The published announcement round-trips through the directory.
	d := discovery.NewDirectory(time.Minute, discard())
	if err := d.Merge(ev); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if got := d.FindByKind(5003); len(got) != 1 || got[0].NodeID != "node-1" {
		t.Fatalf("discovered = %+v", got)
	}
}

func TestDirectoryActionsQuery(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	d := discovery.NewDirectory(time.Minute, discard())

	summarize := `{"template": "{\"kind\":5003}", "meta": {"tags":["summarize","text"]}}`
	translate := `{"template": "{\"kind\":5004}", "meta": {"tags":["translate"]}}`

	mustMerge := func(ev *nostr.Event) {
		t.Helper()
		if err := d.Merge(ev); err != nil {
			t.Fatalf("merge: %v", err)
		}
	}
	mustMerge(announcement("a1", "peer-1", "node-1", now,
		`{"actions":[`+summarize+`,`+translate+`]}`, "5003", "5004"))
	// peer-2 advertises the same summarize template.
	mustMerge(announcement("a2", "peer-2", "node-2", now,
		`{"actions":[`+summarize+`]}`, "5003"))
	mustMerge(announcement("a3", "peer-3", "node-3", now,
		`{"actions":[{"template": "{\"kind\":6100}"}]}`, "6100"))

	// No filter: identical templates across peers collapse to one.
	all := d.Actions(discovery.ActionQuery{})
	if len(all) != 3 {
		t.Fatalf("actions = %d, want 3 after dedup", len(all))
	}

	byNode := d.Actions(discovery.ActionQuery{PubKey: "peer-2", NodeID: "node-2"})
	if len(byNode) != 1 || byNode[0].Template != `{"kind":5003}` {
		t.Fatalf("peer-2 actions = %+v", byNode)
	}

	if got := d.Actions(discovery.ActionQuery{Kind: 6100}); len(got) != 1 {
		t.Fatalf("kind 6100 actions = %+v", got)
	}
	if got := d.Actions(discovery.ActionQuery{MinKind: 5000, MaxKind: 5999}); len(got) != 2 {
		t.Fatalf("request-range actions = %+v", got)
	}

	byTag := d.Actions(discovery.ActionQuery{Tag: "translate"})
	if len(byTag) != 1 || byTag[0].Template != `{"kind":5004}` {
		t.Fatalf("tagged actions = %+v", byTag)
	}
	if got := d.Actions(discovery.ActionQuery{Tag: "nope"}); len(got) != 0 {
		t.Fatalf("unexpected actions = %+v", got)
	}
}
