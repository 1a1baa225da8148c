package middleware

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRunPreservesRegistrationOrder(t *testing.T) {
	p := New()
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		p.Use(StageReceive, func(ctx context.Context, f *Frame) (Decision, error) {
			order = append(order, name)
			return Next, nil
		})
	}

	dec, err := p.Run(context.Background(), StageReceive, &Frame{})
	if err != nil {
		t.Fatal(err)
	}
	if dec != Next {
		t.Errorf("decision = %v, want Next", dec)
	}
	if got := strings.Join(order, ""); got != "abc" {
		t.Errorf("handler order = %q, want abc", got)
	}
}

func TestHaltShortCircuitsStage(t *testing.T) {
	p := New()
	ran := 0
	p.Use(StageIngest, func(ctx context.Context, f *Frame) (Decision, error) {
		ran++
		return Halt, nil
	})
	p.Use(StageIngest, func(ctx context.Context, f *Frame) (Decision, error) {
		ran++
		return Next, nil
	})

	dec, err := p.Run(context.Background(), StageIngest, &Frame{})
	if err != nil {
		t.Fatal(err)
	}
	if dec != Halt {
		t.Errorf("decision = %v, want Halt", dec)
	}
	if ran != 1 {
		t.Errorf("handlers ran = %d, want 1", ran)
	}
}

func TestErrorHaltsAndIsWrapped(t *testing.T) {
	p := New()
	boom := errors.New("boom")
	p.Use(StageSend, func(ctx context.Context, f *Frame) (Decision, error) {
		return Next, boom
	})
	p.Use(StageSend, func(ctx context.Context, f *Frame) (Decision, error) {
		t.Fatal("handler after error must not run")
		return Next, nil
	})

	dec, err := p.Run(context.Background(), StageSend, &Frame{})
	if dec != Halt {
		t.Errorf("decision = %v, want Halt", dec)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want wrapped boom", err)
	}
	if !strings.Contains(err.Error(), "send middleware 0") {
		t.Errorf("error %q should name the stage and index", err)
	}
}

func TestEmptyStageCompletesImmediately(t *testing.T) {
	p := New()
	dec, err := p.Run(context.Background(), StageFormat, &Frame{})
	if err != nil || dec != Next {
		t.Fatalf("empty stage: dec=%v err=%v, want Next nil", dec, err)
	}
}

func TestCanceledContextStopsStage(t *testing.T) {
	p := New()
	ctx, cancel := context.WithCancel(context.Background())
	ran := 0
	p.Use(StageReceive, func(ctx context.Context, f *Frame) (Decision, error) {
		ran++
		cancel()
		return Next, nil
	})
	p.Use(StageReceive, func(ctx context.Context, f *Frame) (Decision, error) {
		ran++
		return Next, nil
	})

	dec, err := p.Run(ctx, StageReceive, &Frame{})
	if dec != Halt || !errors.Is(err, context.Canceled) {
		t.Fatalf("dec=%v err=%v, want Halt canceled", dec, err)
	}
	if ran != 1 {
		t.Errorf("handlers ran = %d, want 1", ran)
	}
}

func TestStagesOrder(t *testing.T) {
	want := []Stage{
		StageSpawn, StageIngest, StageNormalize, StageCategorize,
		StageReceive, StageSend, StageFormat,
	}
	got := Stages()
	if len(got) != len(want) {
		t.Fatalf("Stages() returned %d stages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("stage %d = %s, want %s", i, got[i], want[i])
		}
	}
}
