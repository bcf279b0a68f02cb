package main

import (
	"context"
	"testing"
	"time"

	"github.com/sevakavakians/kato/internal/config"
	"github.com/sevakavakians/kato/internal/filter"
	"github.com/sevakavakians/kato/internal/patternstore"
	"github.com/sevakavakians/kato/internal/processor"
	"github.com/sevakavakians/kato/internal/session"
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	t.Setenv("SERVICE_NAME", "testsvc")
	settings, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	store := patternstore.NewMemoryStore()
	bloom := filter.NewBloomIndex(0.01)
	pipeline := filter.New(store, bloom)
	sessions := session.NewManager(settings, session.NewInMemoryStore())
	proc := processor.New(sessions, store, pipeline, bloom)
	return &Context{Ctx: context.Background(), Processor: proc, Sessions: sessions}
}

func TestSplitKVInfersScalarTypes(t *testing.T) {
	cases := map[string]interface{}{
		"a=true":  true,
		"a=0.42":  0.42,
		"a=hello": "hello",
	}
	for kv, want := range cases {
		_, got, err := splitKV(kv)
		if err != nil {
			t.Fatalf("splitKV(%q) error = %v", kv, err)
		}
		if got != want {
			t.Errorf("splitKV(%q) = %v (%T), want %v (%T)", kv, got, got, want, want)
		}
	}
}

func TestSplitKVRejectsMissingEquals(t *testing.T) {
	if _, _, err := splitKV("no-equals-here"); err == nil {
		t.Fatal("expected an error for a missing '='")
	}
}

func TestSessionCreateThenObserveThenLearnEndToEnd(t *testing.T) {
	ctx := newTestContext(t)

	create := &SessionCreateCmd{NodeID: "alice", TTL: 3600}
	if err := create.Run(ctx); err != nil {
		t.Fatalf("SessionCreateCmd.Run() error = %v", err)
	}

	sess, err := ctx.Sessions.Create(ctx.Ctx, "bob", time.Hour, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	observe := &ObserveCmd{SessionID: sess.ID, Strings: []string{"a", "b"}}
	if err := observe.Run(ctx); err != nil {
		t.Fatalf("ObserveCmd.Run() error = %v", err)
	}

	learn := &LearnCmd{SessionID: sess.ID}
	if err := learn.Run(ctx); err != nil {
		t.Fatalf("LearnCmd.Run() error = %v", err)
	}

	got, err := ctx.Sessions.Get(ctx.Ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.STM) != 0 {
		t.Fatalf("STM = %v, want empty after learn", got.STM)
	}
}

func TestConfigUpdateCmdRun(t *testing.T) {
	ctx := newTestContext(t)
	sess, err := ctx.Sessions.Create(ctx.Ctx, "alice", time.Hour, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	update := &ConfigUpdateCmd{SessionID: sess.ID, Set: []string{"recall_threshold=0.5"}}
	if err := update.Run(ctx); err != nil {
		t.Fatalf("ConfigUpdateCmd.Run() error = %v", err)
	}

	got, err := ctx.Sessions.Get(ctx.Ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Config.RecallThreshold != 0.5 {
		t.Fatalf("RecallThreshold = %v, want 0.5", got.Config.RecallThreshold)
	}
}
