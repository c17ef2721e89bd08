package risk

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkellner/tradeflow/internal/domain"
	"github.com/dkellner/tradeflow/internal/stream"
)

func cmdMsg(t *testing.T, cmd domain.KillCommand) stream.Message {
	t.Helper()
	b, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	return stream.Message{Payload: b}
}

func TestKillSwitchActivateAndManualReset(t *testing.T) {
	k := NewKillSwitch()
	ctx := context.Background()

	out := k.Process(ctx, cmdMsg(t, domain.KillCommand{
		PortfolioID: "p1", Action: domain.KillActionActivate,
		Source: domain.KillSourceAuto, Reason: "daily loss", IssuedAt: time.Now(),
	}))
	if out.Kind != stream.OutcomeAck {
		t.Fatalf("activate outcome = %v, want ack", out.Kind)
	}
	if !k.Active("p1") {
		t.Fatalf("switch not active after activate")
	}
	active, source, reason := k.Status("p1")
	if !active || source != domain.KillSourceAuto || reason != "daily loss" {
		t.Fatalf("status = %v %q %q", active, source, reason)
	}

	out = k.Process(ctx, cmdMsg(t, domain.KillCommand{
		PortfolioID: "p1", Action: domain.KillActionReset, Source: domain.KillSourceManual,
	}))
	if out.Kind != stream.OutcomeAck {
		t.Fatalf("reset outcome = %v, want ack", out.Kind)
	}
	if k.Active("p1") {
		t.Fatalf("switch still active after manual reset")
	}
}

func TestKillSwitchRejectsAutomaticReset(t *testing.T) {
	k := NewKillSwitch()
	ctx := context.Background()

	k.Process(ctx, cmdMsg(t, domain.KillCommand{
		PortfolioID: "p1", Action: domain.KillActionActivate, Source: domain.KillSourceAuto,
	}))
	out := k.Process(ctx, cmdMsg(t, domain.KillCommand{
		PortfolioID: "p1", Action: domain.KillActionReset, Source: domain.KillSourceAuto,
	}))
	if out.Kind != stream.OutcomeDeadLetter {
		t.Fatalf("auto reset outcome = %v, want dead-letter", out.Kind)
	}
	if !k.Active("p1") {
		t.Fatalf("auto reset flipped the switch")
	}
}

func TestKillSwitchActivateIsIdempotent(t *testing.T) {
	k := NewKillSwitch()
	ctx := context.Background()

	first := domain.KillCommand{
		PortfolioID: "p1", Action: domain.KillActionActivate,
		Source: domain.KillSourceAuto, Reason: "first trigger",
	}
	k.Process(ctx, cmdMsg(t, first))

	// A redelivered or second activation leaves the original cause in place.
	second := first
	second.Source = domain.KillSourceManual
	second.Reason = "second trigger"
	if out := k.Process(ctx, cmdMsg(t, second)); out.Kind != stream.OutcomeAck {
		t.Fatalf("re-activation outcome = %v, want ack", out.Kind)
	}
	_, source, reason := k.Status("p1")
	if source != domain.KillSourceAuto || reason != "first trigger" {
		t.Fatalf("re-activation overwrote original cause: %q %q", source, reason)
	}
}

func TestKillSwitchScopedPerPortfolio(t *testing.T) {
	k := NewKillSwitch()
	k.Process(context.Background(), cmdMsg(t, domain.KillCommand{
		PortfolioID: "p1", Action: domain.KillActionActivate, Source: domain.KillSourceManual,
	}))
	if k.Active("p2") {
		t.Fatalf("activation leaked across portfolios")
	}
}

func TestKillSwitchMalformedCommandDeadLetters(t *testing.T) {
	k := NewKillSwitch()
	cases := []stream.Message{
		{Payload: []byte("junk")},
		cmdMsg(t, domain.KillCommand{Action: domain.KillActionActivate}),            // no portfolio
		cmdMsg(t, domain.KillCommand{PortfolioID: "p1", Action: "unknown-action"}), // bad action
	}
	for i, msg := range cases {
		if out := k.Process(context.Background(), msg); out.Kind != stream.OutcomeDeadLetter {
			t.Fatalf("case %d outcome = %v, want dead-letter", i, out.Kind)
		}
	}
}

func TestKillSwitchStateSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kill_switch.json")
	ctx := context.Background()

	k, err := NewPersistentKillSwitch(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	k.Process(ctx, cmdMsg(t, domain.KillCommand{
		PortfolioID: "p1", Action: domain.KillActionActivate,
		Source: domain.KillSourceAuto, Reason: "daily loss", IssuedAt: time.Now(),
	}))

	restored, err := NewPersistentKillSwitch(path)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	active, source, reason := restored.Status("p1")
	if !active || source != domain.KillSourceAuto || reason != "daily loss" {
		t.Fatalf("restored status = %v %q %q, want active with original cause", active, source, reason)
	}

	// Only an explicit reset clears it, and the reset persists too.
	restored.Process(ctx, cmdMsg(t, domain.KillCommand{
		PortfolioID: "p1", Action: domain.KillActionReset, Source: domain.KillSourceManual,
	}))
	again, err := NewPersistentKillSwitch(path)
	if err != nil {
		t.Fatalf("restore after reset: %v", err)
	}
	if again.Active("p1") {
		t.Fatalf("reset did not persist across restart")
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp state file left behind")
	}
}

func TestPublishCommandStampsIssuedAt(t *testing.T) {
	log := stream.NewMemLog(time.Minute)
	err := PublishCommand(context.Background(), log, domain.KillCommand{
		PortfolioID: "p1", Action: domain.KillActionActivate, Source: domain.KillSourceManual,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	var cmd domain.KillCommand
	json.Unmarshal(log.All(domain.TopicControl)[0].Payload, &cmd)
	if cmd.IssuedAt.IsZero() {
		t.Fatalf("issued_at not stamped")
	}
}
