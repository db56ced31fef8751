package decision

import (
	"testing"

	"github.com/watchedcopy/copytrader/internal/config"
	"github.com/watchedcopy/copytrader/internal/models"
)

func testProviders() Providers {
	return Providers{
		NowMs: func() int64 { return 1_000_000 },
	}
}

func flipEvent() models.PositionDeltaEvent {
	closeQty := 1.5
	openQty := 2.0
	return models.PositionDeltaEvent{
		Symbol:          "BTC",
		TimestampMs:     1_000_000,
		TxHash:          "0xabc",
		EventIndex:      1,
		PrevPosition:    1.5,
		NextPosition:    -2.0,
		DeltaPosition:   -3.5,
		ActionType:      models.ActionFlip,
		CloseComponent:  &closeQty,
		OpenComponent:   &openQty,
		ContractVersion: models.CurrentContractVersion(),
	}
}

func TestDecideFlipArmedLive(t *testing.T) {
	cfg := config.DefaultDecisionConfig()
	cfg.StrategyVersion = "v1"
	cfg.Sizing = config.SizingConfig{Mode: "fixed", FixedQty: 2.0}
	svc := New(cfg)

	local := 1.5
	closable := 1.5
	intents, rej := svc.Decide(flipEvent(), Inputs{
		SafetyMode:           models.SafetyArmedLive,
		LocalCurrentPosition: &local,
		ClosableQty:          &closable,
	}, testProviders())
	if rej != nil {
		t.Fatalf("unexpected reject: %v", rej)
	}
	if len(intents) != 2 {
		t.Fatalf("expected 2 intents, got %d", len(intents))
	}
	if !intents[0].ReduceOnly || intents[0].Side != models.SideSell || intents[0].Qty != 1.5 {
		t.Fatalf("unexpected close intent: %+v", intents[0])
	}
	if intents[1].ReduceOnly || intents[1].Side != models.SideSell || intents[1].Qty != 2.0 {
		t.Fatalf("unexpected open intent: %+v", intents[1])
	}
}

func TestDecideFlipArmedSafeOnlyClose(t *testing.T) {
	cfg := config.DefaultDecisionConfig()
	cfg.StrategyVersion = "v1"
	cfg.Sizing = config.SizingConfig{Mode: "fixed", FixedQty: 2.0}
	svc := New(cfg)

	local := 1.5
	closable := 1.5
	intents, rej := svc.Decide(flipEvent(), Inputs{
		SafetyMode:           models.SafetyArmedSafe,
		LocalCurrentPosition: &local,
		ClosableQty:          &closable,
	}, testProviders())
	if rej != nil {
		t.Fatalf("unexpected reject: %v", rej)
	}
	if len(intents) != 1 || !intents[0].ReduceOnly {
		t.Fatalf("expected exactly the close intent, got %+v", intents)
	}
}

func TestDecideSafetyModeGatingAcrossStream(t *testing.T) {
	cfg := config.DefaultDecisionConfig()
	cfg.StrategyVersion = "v1"
	cfg.Sizing = config.SizingConfig{Mode: "fixed", FixedQty: 1.0}
	svc := New(cfg)

	increase := models.PositionDeltaEvent{
		Symbol: "BTC", TimestampMs: 1_000_000, TxHash: "0x1", EventIndex: 1,
		PrevPosition: 0, NextPosition: 1, DeltaPosition: 1,
		ActionType: models.ActionIncrease, ContractVersion: models.CurrentContractVersion(),
	}
	decrease := models.PositionDeltaEvent{
		Symbol: "BTC", TimestampMs: 1_000_000, TxHash: "0x2", EventIndex: 1,
		PrevPosition: 1, NextPosition: 0, DeltaPosition: -1,
		ActionType: models.ActionDecrease, ContractVersion: models.CurrentContractVersion(),
	}

	in := Inputs{SafetyMode: models.SafetyArmedSafe}
	providers := testProviders()

	if intents, _ := svc.Decide(increase, in, providers); len(intents) != 0 {
		t.Fatalf("expected increase to be dropped in ARMED_SAFE, got %+v", intents)
	}
	intents, rej := svc.Decide(decrease, in, providers)
	if rej != nil {
		t.Fatalf("unexpected reject: %v", rej)
	}
	if len(intents) != 1 {
		t.Fatalf("expected decrease intent to pass through, got %+v", intents)
	}

	in.SafetyMode = models.SafetyHalt
	if intents, _ := svc.Decide(increase, in, providers); len(intents) != 0 {
		t.Fatalf("expected no intents under HALT, got %+v", intents)
	}
}

func TestSizingKellyRejectsMissingParams(t *testing.T) {
	cfg := config.DefaultDecisionConfig()
	cfg.Sizing = config.SizingConfig{Mode: "kelly", KellyWinRate: 0, KellyEdge: 0}
	svc := New(cfg)

	_, rej := svc.size(1.0)
	if rej == nil || rej.ReasonCode != "KELLY_PARAMS_MISSING" {
		t.Fatalf("expected KELLY_PARAMS_MISSING, got %+v", rej)
	}
}
