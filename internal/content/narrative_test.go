package content

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"vantagesec.com/mirage/pkg/dsl"
)

func setupNarrativeStore(t *testing.T) *NarrativeStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "narrative.json")
	return NewNarrativeStore(path, zerolog.Nop())
}

func TestNarrative_LoadAbsentIsStale(t *testing.T) {
	store := setupNarrativeStore(t)

	if _, err := store.Load(); !errors.Is(err, ErrNarrativeStale) {
		t.Fatalf("Expected ErrNarrativeStale for missing file, got %v", err)
	}
}

func TestNarrative_GetOrCreateRegeneratesWhenAbsent(t *testing.T) {
	store := setupNarrativeStore(t)
	now := time.Date(2026, time.August, 25, 10, 0, 0, 0, time.UTC)

	calls := 0
	regen := func(ctx context.Context, month string) (*dsl.NarrativeArc, error) {
		calls++
		return &dsl.NarrativeArc{Goal: "Migrate payment service to v2 API"}, nil
	}

	arc, err := store.GetOrCreate(context.Background(), now, regen)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 regeneration, got %d", calls)
	}
	if arc.Month != "2026-08" {
		t.Errorf("Expected month 2026-08, got %s", arc.Month)
	}

	// A second call within the same month reuses the persisted arc.
	if _, err := store.GetOrCreate(context.Background(), now.AddDate(0, 0, 3), regen); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("Expected persisted arc to be reused, regenerated %d times", calls)
	}
}

func TestNarrative_MonthBoundaryForcesRegeneration(t *testing.T) {
	store := setupNarrativeStore(t)

	august := time.Date(2026, time.August, 25, 10, 0, 0, 0, time.UTC)
	september := time.Date(2026, time.September, 1, 9, 0, 0, 0, time.UTC)

	months := []string{}
	regen := func(ctx context.Context, month string) (*dsl.NarrativeArc, error) {
		months = append(months, month)
		return &dsl.NarrativeArc{Goal: "goal for " + month}, nil
	}

	if _, err := store.GetOrCreate(context.Background(), august, regen); err != nil {
		t.Fatal(err)
	}
	arc, err := store.GetOrCreate(context.Background(), september, regen)
	if err != nil {
		t.Fatal(err)
	}

	if len(months) != 2 || months[1] != "2026-09" {
		t.Fatalf("Expected regeneration for 2026-09, got %v", months)
	}
	if arc.Month != "2026-09" {
		t.Errorf("Expected arc rolled to 2026-09, got %s", arc.Month)
	}
}

func TestNarrative_CorruptFilePreserved(t *testing.T) {
	store := setupNarrativeStore(t)

	if err := os.WriteFile(store.path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Load(); !errors.Is(err, ErrNarrativeStale) {
		t.Fatalf("Expected ErrNarrativeStale for corrupt file, got %v", err)
	}

	// The corrupt original must survive under a .corrupt suffix.
	matches, err := filepath.Glob(store.path + ".corrupt-*")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("Expected one preserved corrupt file, found %v", matches)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "{not json" {
		t.Errorf("Preserved file content changed: %q", data)
	}
}

func TestNarrative_EnsureWeekLazyFill(t *testing.T) {
	store := setupNarrativeStore(t)
	arc := &dsl.NarrativeArc{Month: "2026-08", Goal: "Ship the reporting dashboard"}
	if err := store.Save(arc); err != nil {
		t.Fatal(err)
	}

	calls := 0
	gen := func(ctx context.Context, a *dsl.NarrativeArc, week int) (*dsl.WeekPlan, error) {
		calls++
		return &dsl.WeekPlan{
			Theme: "Wire up backend endpoints",
			Days:  []dsl.DayTask{{Day: 9, Focus: "Add /reports handler"}},
		}, nil
	}

	// Day 9 falls in week 2.
	if err := store.EnsureWeek(context.Background(), arc, 9, gen); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("Expected one generation call, got %d", calls)
	}
	if arc.Week(2) == nil {
		t.Fatal("Week 2 plan not attached to arc")
	}
	if got := arc.DayFocus(9); got != "Add /reports handler" {
		t.Errorf("Unexpected day focus: %s", got)
	}

	// Second call for the same week is a no-op.
	if err := store.EnsureWeek(context.Background(), arc, 11, gen); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("Expected cached week to be reused, generated %d times", calls)
	}

	// The updated arc was persisted.
	loaded, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Week(2) == nil {
		t.Error("Persisted arc missing week 2 plan")
	}
}
