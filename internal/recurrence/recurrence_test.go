package recurrence_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stefanodecillis/opengate/internal/recurrence"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestParse(t *testing.T) {
	r, ok := recurrence.Parse(json.RawMessage(`{"frequency":"daily","interval":2}`))
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if r.Frequency != "daily" || r.Interval != 2 {
		t.Fatalf("got %+v", r)
	}

	if _, ok := recurrence.Parse(nil); ok {
		t.Fatal("nil rule should not parse")
	}
	if _, ok := recurrence.Parse(json.RawMessage(`{"interval":3}`)); ok {
		t.Fatal("rule without frequency should not parse")
	}

	// interval < 1 clamps to 1
	r, _ = recurrence.Parse(json.RawMessage(`{"frequency":"weekly","interval":0}`))
	if r.Interval != 1 {
		t.Fatalf("interval = %d, want 1", r.Interval)
	}
}

func TestNextDaily(t *testing.T) {
	r := recurrence.Rule{Frequency: "daily", Interval: 1}
	next, ok := recurrence.Next(r, "2026-03-10T09:00:00Z", testNow)
	if !ok {
		t.Fatal("expected next occurrence")
	}
	if next != "2026-03-11T09:00:00Z" {
		t.Fatalf("next = %s", next)
	}
}

func TestNextWeeklyInterval(t *testing.T) {
	r := recurrence.Rule{Frequency: "weekly", Interval: 2}
	next, ok := recurrence.Next(r, "2026-03-10T09:00:00Z", testNow)
	if !ok || next != "2026-03-24T09:00:00Z" {
		t.Fatalf("next = %s ok=%v", next, ok)
	}
}

func TestNextMonthly(t *testing.T) {
	r := recurrence.Rule{Frequency: "monthly", Interval: 1}
	next, ok := recurrence.Next(r, "2026-12-15T00:00:00Z", testNow)
	if !ok || next != "2027-01-15T00:00:00Z" {
		t.Fatalf("next = %s ok=%v", next, ok)
	}
}

func TestNextCron(t *testing.T) {
	// Daily at 06:30.
	r := recurrence.Rule{Frequency: "cron", Cron: "30 6 * * *"}
	next, ok := recurrence.Next(r, "2026-03-10T09:00:00Z", testNow)
	if !ok || next != "2026-03-11T06:30:00Z" {
		t.Fatalf("next = %s ok=%v", next, ok)
	}
}

func TestNextCronInvalidFallsBackDaily(t *testing.T) {
	r := recurrence.Rule{Frequency: "cron", Cron: "not a cron"}
	next, ok := recurrence.Next(r, "2026-03-10T09:00:00Z", testNow)
	if !ok || next != "2026-03-11T09:00:00Z" {
		t.Fatalf("next = %s ok=%v", next, ok)
	}
}

func TestEndDateStopsChain(t *testing.T) {
	r := recurrence.Rule{Frequency: "daily", Interval: 1, EndDate: "2026-03-10T23:59:59Z"}
	if _, ok := recurrence.Next(r, "2026-03-10T09:00:00Z", testNow); ok {
		t.Fatal("expected chain to stop past end_date")
	}
}

func TestUnknownFrequency(t *testing.T) {
	r := recurrence.Rule{Frequency: "hourly"}
	if _, ok := recurrence.Next(r, "2026-03-10T09:00:00Z", testNow); ok {
		t.Fatal("unknown frequency should not produce a next time")
	}
}

func TestMalformedFromUsesNow(t *testing.T) {
	r := recurrence.Rule{Frequency: "daily", Interval: 1}
	next, ok := recurrence.Next(r, "garbage", testNow)
	if !ok || next != "2026-03-11T12:00:00Z" {
		t.Fatalf("next = %s ok=%v", next, ok)
	}
}
