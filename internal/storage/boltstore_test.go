package storage

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestStore_RecordShare(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "test.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	rec := ShareRecord{Timestamp: 1700000000, Worker: "rig1", Address: "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", Difficulty: 65536}
	if err := store.RecordShare(rec); err != nil {
		t.Fatalf("RecordShare: %v", err)
	}
	if store.ShareCount() != 1 {
		t.Errorf("share count = %d, want 1", store.ShareCount())
	}
}

func TestStore_RecordBlock(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "test.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	rec := BlockRecord{Timestamp: 1700000000, Height: 800000, Hash: "00000000000000000000000000000000000000000000000000000000abcdef", FinderAddress: "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", Worker: "rig1", Reward: 625000000}
	if err := store.RecordBlock(rec); err != nil {
		t.Fatalf("RecordBlock: %v", err)
	}
	if store.BlockCount() != 1 {
		t.Errorf("block count = %d, want 1", store.BlockCount())
	}

	recent, err := store.RecentBlocks(10)
	if err != nil {
		t.Fatalf("RecentBlocks: %v", err)
	}
	if len(recent) != 1 || recent[0].Hash != rec.Hash {
		t.Errorf("RecentBlocks = %+v, want one record matching %+v", recent, rec)
	}
}

func TestStore_RecentBlocksOrderAndLimit(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "test.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	for i := int64(0); i < 5; i++ {
		rec := BlockRecord{Timestamp: 1700000000 + i, Height: 800000 + i}
		if err := store.RecordBlock(rec); err != nil {
			t.Fatalf("RecordBlock %d: %v", i, err)
		}
	}

	recent, err := store.RecentBlocks(3)
	if err != nil {
		t.Fatalf("RecentBlocks: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("got %d records, want 3", len(recent))
	}
	if recent[0].Height != 800004 {
		t.Errorf("first record height = %d, want 800004 (most recent first)", recent[0].Height)
	}
}

func TestStore_PersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	{
		store, err := Open(dbPath, zap.NewNop())
		if err != nil {
			t.Fatalf("Open (phase 1): %v", err)
		}
		if err := store.RecordShare(ShareRecord{Timestamp: 1700000000, Worker: "rig1"}); err != nil {
			t.Fatalf("RecordShare: %v", err)
		}
		if err := store.RecordBlock(BlockRecord{Timestamp: 1700000000, Height: 800000}); err != nil {
			t.Fatalf("RecordBlock: %v", err)
		}
		if err := store.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	{
		store, err := Open(dbPath, zap.NewNop())
		if err != nil {
			t.Fatalf("Open (phase 2): %v", err)
		}
		defer store.Close()

		if store.ShareCount() != 1 {
			t.Errorf("share count after reopen = %d, want 1", store.ShareCount())
		}
		if store.BlockCount() != 1 {
			t.Errorf("block count after reopen = %d, want 1", store.BlockCount())
		}
	}
}
