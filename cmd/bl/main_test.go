package main

import (
	"testing"
	"time"
)

func TestParseDeadline(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseDeadline("", now)
	if err != nil || got != nil {
		t.Fatalf("empty deadline: %v %v", got, err)
	}

	got, err = parseDeadline("72h", now)
	if err != nil {
		t.Fatalf("duration: %v", err)
	}
	if want := now.Add(72 * time.Hour); !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}

	got, err = parseDeadline("2024-02-01T00:00:00+01:00", now)
	if err != nil {
		t.Fatalf("rfc3339: %v", err)
	}
	if got.Location() != time.UTC || got.Hour() != 23 {
		t.Fatalf("expected UTC normalisation, got %s", got)
	}

	if _, err := parseDeadline("next tuesday", now); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseID(t *testing.T) {
	if id, err := parseID(" 12 "); err != nil || id != 12 {
		t.Fatalf("parseID: %d %v", id, err)
	}
	for _, raw := range []string{"0", "-3", "abc"} {
		if _, err := parseID(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}
