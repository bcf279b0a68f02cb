package main

import (
	"testing"

	"github.com/alecthomas/kong"
)

func TestObserveCmd_ParsesVariadicSymbols(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := parser.Parse([]string{"observe", "sess-1", "a", "b", "c"}); err != nil {
		t.Fatal(err)
	}
	if cli.Observe.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", cli.Observe.SessionID)
	}
	if len(cli.Observe.Strings) != 3 {
		t.Errorf("Strings = %v, want 3 symbols", cli.Observe.Strings)
	}
}

func TestSessionCreateCmd_DefaultTTL(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := parser.Parse([]string{"session", "create", "alice"}); err != nil {
		t.Fatal(err)
	}
	if cli.Session.Create.TTL != 3600 {
		t.Errorf("TTL = %d, want default 3600", cli.Session.Create.TTL)
	}
}

func TestClearCmd_AllAndDropPersistedFlags(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := parser.Parse([]string{"clear", "sess-1", "--all", "--drop-persisted"}); err != nil {
		t.Fatal(err)
	}
	if !cli.Clear.All || !cli.Clear.DropPersisted {
		t.Errorf("Clear = %+v, want both flags set", cli.Clear)
	}
}

func TestConfigUpdateCmd_ParsesSetPairs(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := parser.Parse([]string{"config", "update", "sess-1", "recall_threshold=0.5", "max_predictions=10"}); err != nil {
		t.Fatal(err)
	}
	if len(cli.Config.Update.Set) != 2 {
		t.Errorf("Set = %v, want 2 pairs", cli.Config.Update.Set)
	}
}
