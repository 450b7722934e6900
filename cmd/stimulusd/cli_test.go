package main

import (
	"testing"

	"github.com/alecthomas/kong"
)

func TestRunCmd_ConfigFlag(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli)
	if err != nil {
		t.Fatal(err)
	}

	ctx, err := parser.Parse([]string{"run", "-c", "agent.yaml"})
	if err != nil {
		t.Fatal(err)
	}

	if ctx.Command() != "run" {
		t.Errorf("expected run command, got %q", ctx.Command())
	}
	if cli.Run.Config != "agent.yaml" {
		t.Errorf("expected 'agent.yaml', got %q", cli.Run.Config)
	}
}

func TestPublishCmd_Flags(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli)
	if err != nil {
		t.Fatal(err)
	}

	_, err = parser.Parse([]string{"publish", "-c", "agent.toml", "-e", "events", "-k", "orders.created",
		"-b", `{"id":1}`, "-H", "source=cli"})
	if err != nil {
		t.Fatal(err)
	}

	if cli.Publish.Exchange != "events" || cli.Publish.RoutingKey != "orders.created" {
		t.Errorf("unexpected target %q/%q", cli.Publish.Exchange, cli.Publish.RoutingKey)
	}
	if cli.Publish.Header["source"] != "cli" {
		t.Errorf("expected header source=cli, got %v", cli.Publish.Header)
	}
	if cli.Publish.Timeout != "30s" {
		t.Errorf("expected default timeout 30s, got %q", cli.Publish.Timeout)
	}
}

func TestPublishCmd_RequiresRoutingKey(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := parser.Parse([]string{"publish", "-b", "hello"}); err == nil {
		t.Error("expected error when --routing-key is missing")
	}
}

func TestDeadLettersCmd_Defaults(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli)
	if err != nil {
		t.Fatal(err)
	}

	ctx, err := parser.Parse([]string{"dead-letters", "-q", "orders"})
	if err != nil {
		t.Fatal(err)
	}

	if ctx.Command() != "dead-letters" {
		t.Errorf("expected dead-letters command, got %q", ctx.Command())
	}
	if cli.DeadLetters.Limit != 20 {
		t.Errorf("expected default limit 20, got %d", cli.DeadLetters.Limit)
	}
	if cli.DeadLetters.Queue != "orders" {
		t.Errorf("expected queue 'orders', got %q", cli.DeadLetters.Queue)
	}
}
