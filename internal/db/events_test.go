package db

import (
	"sync"
	"testing"
	"time"
)

func TestDB_LogEventAndGetEvents(t *testing.T) {
	d := openTestDB(t)

	base := time.Now().Add(-time.Hour)
	events := []Event{
		{Timestamp: base, Type: EventLogin, Subject: "ada@example.com"},
		{Timestamp: base.Add(time.Minute), Type: EventTenantSelect, Subject: "ada@example.com", OrganizationID: "org-1"},
		{Timestamp: base.Add(2 * time.Minute), Type: EventRefreshFailed, Details: map[string]any{"error": "boom"}},
	}
	for _, e := range events {
		if err := d.LogEvent(e); err != nil {
			t.Fatalf("LogEvent(%s) error = %v", e.Type, err)
		}
	}

	got, err := d.GetEvents("", time.Time{}, 0)
	if err != nil {
		t.Fatalf("GetEvents() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("GetEvents() returned %d events, want 3", len(got))
	}
	if got[0].Type != EventRefreshFailed || got[2].Type != EventLogin {
		t.Errorf("events not newest first: %s, %s, %s", got[0].Type, got[1].Type, got[2].Type)
	}
	if got[0].Details["error"] != "boom" {
		t.Errorf("Details = %v, want error=boom", got[0].Details)
	}
	if got[1].OrganizationID != "org-1" {
		t.Errorf("OrganizationID = %q, want org-1", got[1].OrganizationID)
	}
	if got[2].Details != nil {
		t.Errorf("Details = %v, want nil", got[2].Details)
	}

	got, err = d.GetEvents(EventTenantSelect, time.Time{}, 10)
	if err != nil {
		t.Fatalf("GetEvents(type) error = %v", err)
	}
	if len(got) != 1 || got[0].Subject != "ada@example.com" {
		t.Errorf("GetEvents(tenant_select) = %+v", got)
	}

	got, err = d.GetEvents("", base.Add(90*time.Second), 10)
	if err != nil {
		t.Fatalf("GetEvents(since) error = %v", err)
	}
	if len(got) != 1 || got[0].Type != EventRefreshFailed {
		t.Errorf("GetEvents(since) = %+v", got)
	}

	got, err = d.GetEvents("", time.Time{}, 2)
	if err != nil {
		t.Fatalf("GetEvents(limit) error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("GetEvents(limit=2) returned %d events", len(got))
	}
}

func TestDB_LogEventValidation(t *testing.T) {
	d := openTestDB(t)
	if err := d.LogEvent(Event{Type: "  "}); err == nil {
		t.Error("LogEvent() with empty type should fail")
	}

	var closed *DB
	if err := closed.LogEvent(Event{Type: EventLogin}); err == nil {
		t.Error("LogEvent() on nil db should fail")
	}
	if _, err := closed.GetEvents("", time.Time{}, 1); err == nil {
		t.Error("GetEvents() on nil db should fail")
	}
}

func TestDB_LogEventDefaultsTimestamp(t *testing.T) {
	d := openTestDB(t)
	before := time.Now().Add(-time.Second)
	if err := d.LogEvent(Event{Type: EventLogout}); err != nil {
		t.Fatalf("LogEvent() error = %v", err)
	}
	got, err := d.GetEvents(EventLogout, time.Time{}, 1)
	if err != nil {
		t.Fatalf("GetEvents() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("GetEvents() returned %d events, want 1", len(got))
	}
	if got[0].Timestamp.Before(before.Truncate(time.Second)) {
		t.Errorf("Timestamp = %v, want about now", got[0].Timestamp)
	}
}

func TestDB_LogEventConcurrent(t *testing.T) {
	d := openTestDB(t)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- d.LogEvent(Event{Type: EventRefresh})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent LogEvent() error = %v", err)
		}
	}

	got, err := d.GetEvents(EventRefresh, time.Time{}, 100)
	if err != nil {
		t.Fatalf("GetEvents() error = %v", err)
	}
	if len(got) != 20 {
		t.Errorf("GetEvents() returned %d events, want 20", len(got))
	}
}
