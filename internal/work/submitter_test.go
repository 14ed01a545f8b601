package work

import (
	"testing"

	"github.com/djkazic/ckpool-go/internal/bitcoin"
	"go.uber.org/zap"
)

func TestSubmitter_SubmitBlock(t *testing.T) {
	mock := bitcoin.NewMockRPC()
	mock.BlockTemplate.Transactions = nil
	sub := NewSubmitter(mock, zap.NewNop())

	job := &JobData{
		ID:       "1",
		Height:   mock.BlockTemplate.Height,
		Template: mock.BlockTemplate,
	}

	header := make([]byte, 80)
	coinbase, _, err := BuildCoinbase(CoinbaseParams{
		Height:         job.Height,
		Value:          mock.BlockTemplate.CoinbaseValue,
		PayoutScript:   samplePayoutScript(),
		ExtranonceSize: 8,
		Message:        "/ckpool-go/",
	})
	if err != nil {
		t.Fatalf("BuildCoinbase: %v", err)
	}

	if err := sub.SubmitBlock(header, coinbase, job); err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}

	if len(mock.SubmittedBlocks) != 1 {
		t.Fatalf("submitted blocks = %d, want 1", len(mock.SubmittedBlocks))
	}
}

func TestSubmitter_RequiresTemplate(t *testing.T) {
	mock := bitcoin.NewMockRPC()
	sub := NewSubmitter(mock, zap.NewNop())

	job := &JobData{ID: "1"}
	if err := sub.SubmitBlock(make([]byte, 80), []byte{}, job); err == nil {
		t.Fatal("expected error for job with no backing template")
	}
}
