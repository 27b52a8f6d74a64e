package storage

import (
	"context"
	"testing"
)

func TestKey(t *testing.T) {
	key := Key("u1", 1700000000123456789)
	expected := "transcripts/u1/1700000000123456789.json"

	if key != expected {
		t.Errorf("Expected key %s, got %s", expected, key)
	}

	rec := &Record{OwnerID: "u1", Timestamp: 1700000000123456789}
	if rec.Key() != expected {
		t.Errorf("Expected record key %s, got %s", expected, rec.Key())
	}
}

func TestSortKeys(t *testing.T) {
	keys := []string{
		"transcripts/u1/300.json",
		"transcripts/u1/notes.json",
		"transcripts/u1/20.json",
		"transcripts/u1/1000.json",
	}

	sortKeys(keys)

	expected := []string{
		"transcripts/u1/20.json",
		"transcripts/u1/300.json",
		"transcripts/u1/1000.json",
		"transcripts/u1/notes.json",
	}

	for i := range expected {
		if keys[i] != expected[i] {
			t.Errorf("Position %d: expected %s, got %s", i, expected[i], keys[i])
		}
	}
}

func TestMemoryStorePutOverwrites(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := &Record{OwnerID: "u1", Timestamp: 10, Text: "first"}
	if _, err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	rec.Text = "second"
	if _, err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if store.Len() != 1 {
		t.Errorf("Expected 1 record after overwrite, got %d", store.Len())
	}
	if store.Puts() != 2 {
		t.Errorf("Expected 2 puts, got %d", store.Puts())
	}

	got, ok := store.Get(rec.Key())
	if !ok || got.Text != "second" {
		t.Errorf("Expected overwritten text 'second', got %+v", got)
	}
}

func TestMemoryStoreList(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, rec := range []*Record{
		{OwnerID: "u1", Timestamp: 3, Text: "c"},
		{OwnerID: "u1", Timestamp: 1, Text: "a"},
		{OwnerID: "u10", Timestamp: 2, Text: "other owner"},
		{OwnerID: "u1", Timestamp: 2, Text: "b"},
	} {
		if _, err := store.Put(ctx, rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	records, err := store.List(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	if len(records) != 3 {
		t.Fatalf("Expected 3 records for u1, got %d", len(records))
	}

	for i, text := range []string{"a", "b", "c"} {
		if records[i].Text != text {
			t.Errorf("Position %d: expected %s, got %s", i, text, records[i].Text)
		}
	}

	limited, _ := store.List(ctx, "u1", 2)
	if len(limited) != 2 {
		t.Errorf("Expected 2 records with limit, got %d", len(limited))
	}

	recent, _ := store.ListRecent(ctx, "u1", 2)
	if len(recent) != 2 || recent[0].Text != "c" || recent[1].Text != "b" {
		t.Errorf("Expected newest first [c b], got %v", recent)
	}

	empty, err := store.List(ctx, "nobody", 10)
	if err != nil {
		t.Errorf("Expected no error for unknown owner, got %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("Expected empty non-nil slice, got %v", empty)
	}
}
