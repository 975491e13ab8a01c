package guardrail

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"villagesim.ai/internal/decision"
	"villagesim.ai/internal/sim/model"
)

func ctxFor(role model.Role, minute int, d decision.Decision) Context {
	return Context{
		Agent:    model.Agent{ID: "ada", Role: role, Home: "0,0"},
		Time:     model.WorldTime{MinuteOfDay: minute},
		Position: "1,1",
		Decision: d,
	}
}

func TestEvaluate_NonMerchantShopIsBlocked(t *testing.T) {
	_, err := Default().Evaluate(ctxFor(model.RoleFarmer, 600, decision.Decision{Action: model.ActionShop, TargetTileID: "5,5", Reasoning: "buy seeds"}))
	if !errors.Is(err, decision.ErrPolicyBlocked) {
		t.Fatalf("expected policy block, got %v", err)
	}
	var pb *decision.PolicyBlockedError
	if !errors.As(err, &pb) || pb.Rule != "shop-requires-merchant" {
		t.Fatalf("block=%v", err)
	}

	res, err := Default().Evaluate(ctxFor(model.RoleMerchant, 600, decision.Decision{Action: model.ActionShop, TargetTileID: "5,5", Reasoning: "open up"}))
	if err != nil || res.Validity != decision.ValidityAccepted || res.Decision.TargetTileID != "5,5" {
		t.Fatalf("merchant shop: res=%+v err=%v", res, err)
	}
}

func TestEvaluate_NonFarmerFarmRewritesToObserve(t *testing.T) {
	res, err := Default().Evaluate(ctxFor(model.RoleBaker, 600, decision.Decision{Action: model.ActionFarm, TargetTileID: "4,2", Reasoning: "help out"}))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Decision.Action != model.ActionObserve || res.Decision.TargetTileID != "" {
		t.Fatalf("decision=%+v", res.Decision)
	}
	if res.Validity != decision.ValidityRewritten || len(res.Violations) != 1 || res.Violations[0].Rule != "farm-requires-farmer" {
		t.Fatalf("result=%+v", res)
	}
	if res.Decision.Reasoning != "help out" {
		t.Fatalf("reasoning lost")
	}
}

func TestEvaluate_RewritesCompound(t *testing.T) {
	res, err := Default().Evaluate(ctxFor(model.RoleBaker, 23*60, decision.Decision{Action: model.ActionFarm, TargetTileID: "4,2", Reasoning: "night shift"}))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Decision.Action != model.ActionRest {
		t.Fatalf("action=%s", res.Decision.Action)
	}
	got := res.ViolationStrings()
	if len(got) != 2 || res.Violations[0].Rule != "farm-requires-farmer" || res.Violations[1].Rule != "night-observe-rests" {
		t.Fatalf("violations=%v", got)
	}
}

func TestEvaluate_WalkTargetKeptOnAccept(t *testing.T) {
	res, err := Default().Evaluate(ctxFor(model.RoleGuard, 2*60, decision.Decision{Action: model.ActionWalk, TargetTileID: "3,3", Reasoning: "patrol"}))
	if err != nil || res.Validity != decision.ValidityAccepted || res.Decision.TargetTileID != "3,3" || len(res.Violations) != 0 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestIsNight(t *testing.T) {
	for m, want := range map[int]bool{0: true, 299: true, 300: false, 720: false, 1319: false, 1320: true, 1439: true} {
		if IsNight(m) != want {
			t.Fatalf("IsNight(%d) != %v", m, want)
		}
	}
}

func TestNew_RejectsInvalidRule(t *testing.T) {
	if _, err := New(Rule{Name: "x", Actions: []model.ActionType{"dance"}, Outcome: OutcomeBlock}); err == nil {
		t.Fatalf("expected unknown action error")
	}
	if _, err := New(Rule{Name: "x", Actions: []model.ActionType{model.ActionChat}, Outcome: OutcomeRewrite, RewriteTo: "nap"}); err == nil {
		t.Fatalf("expected unknown rewrite error")
	}
}

func TestLoadScripts_AppendsAfterBuiltins(t *testing.T) {
	dir := t.TempDir()
	write := func(name, src string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("10_children.lua", `
return {
  name = "children-stay-home",
  actions = {"walk", "chat"},
  outcome = "rewrite",
  rewrite_to = "rest",
  reason = "children stay home after dark",
  when = function(ctx) return ctx.role == "child" and ctx.minute_of_day >= 1200 end,
}`)
	write("20_broken.lua", `
return {
  name = "broken-predicate",
  actions = {"rest"},
  outcome = "block",
  reason = "never",
  when = function(ctx) error("boom") end,
}`)
	write("notes.txt", "ignored")

	s, err := LoadScripts(dir, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer s.Close()
	if len(s.Rules()) != 2 {
		t.Fatalf("rules=%d", len(s.Rules()))
	}

	p := Default()
	if err := p.Append(s.Rules()...); err != nil {
		t.Fatalf("append: %v", err)
	}
	names := p.Rules()
	if len(names) != 5 || names[3] != "children-stay-home" || names[4] != "broken-predicate" {
		t.Fatalf("order=%v", names)
	}

	res, err := p.Evaluate(ctxFor(model.RoleChild, 1250, decision.Decision{Action: model.ActionWalk, TargetTileID: "2,2", Reasoning: "play"}))
	if err != nil {
		t.Fatalf("a failing predicate must not block: %v", err)
	}
	if res.Decision.Action != model.ActionRest || res.Decision.TargetTileID != "" || res.Validity != decision.ValidityRewritten {
		t.Fatalf("res=%+v", res)
	}

	res, err = p.Evaluate(ctxFor(model.RoleChild, 600, decision.Decision{Action: model.ActionWalk, TargetTileID: "2,2", Reasoning: "play"}))
	if err != nil || res.Validity != decision.ValidityAccepted {
		t.Fatalf("daytime: res=%+v err=%v", res, err)
	}
}

func TestLoadScripts_MissingDirAndBadScript(t *testing.T) {
	s, err := LoadScripts(filepath.Join(t.TempDir(), "nope"), nil)
	if err != nil || len(s.Rules()) != 0 {
		t.Fatalf("missing dir: %v", err)
	}
	s.Close()

	dir := t.TempDir()
	_ = os.WriteFile(filepath.Join(dir, "bad.lua"), []byte(`return 42`), 0o644)
	if _, err := LoadScripts(dir, nil); err == nil {
		t.Fatalf("expected error for non-table script")
	}
}
