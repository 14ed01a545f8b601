package testutil

import (
	"math/big"

	"github.com/djkazic/ckpool-go/internal/bitcoin"
	"github.com/djkazic/ckpool-go/internal/stratum"
	"github.com/djkazic/ckpool-go/internal/work"
)

// SampleBlockTemplate returns a minimal block template for testing.
func SampleBlockTemplate() *bitcoin.BlockTemplate {
	return &bitcoin.BlockTemplate{
		Version:           536870912,
		PreviousBlockHash: "0000000000000003fa0d845513ea5014a7859d411f5f4a91eaab24eb47a18f39",
		Transactions:      []bitcoin.TemplateTransaction{},
		CoinbaseValue:     5000000000,
		Target:            "00000000ffff0000000000000000000000000000000000000000000000000000",
		CurTime:           1700000000,
		Bits:              "1d00ffff",
		Height:            800000,
	}
}

// SampleJob returns a JobData built from SampleBlockTemplate, suitable for
// feeding into a ShareValidator or a fake JobSource.
func SampleJob(id string) *work.JobData {
	tmpl := SampleBlockTemplate()
	return &work.JobData{
		ID:                id,
		PrevBlockHash:     tmpl.PreviousBlockHash,
		MerkleBranches:    []string{},
		Version:           "20000000",
		NBits:             tmpl.Bits,
		NTime:             "5f5e1000",
		Height:            tmpl.Height,
		CleanJobs:         true,
		Template:          tmpl,
		CoinbaseValue:     tmpl.CoinbaseValue,
		WitnessCommitment: "0000000000000000000000000000000000000000000000000000000000000000",
		CoinbaseMessage:   "/ckpool-go/",
		ExtranonceSize:    8,
	}
}

// SampleSubmission returns a mining.submit payload referencing a job id,
// with an arbitrary (not necessarily target-meeting) nonce.
func SampleSubmission(jobID, workerName string) stratum.Submission {
	return stratum.Submission{
		WorkerName:  workerName,
		JobID:       jobID,
		Extranonce2: "00000000",
		NTime:       "5f5e1000",
		Nonce:       "00000000",
	}
}

// EasyTarget returns a very easy target for testing (any hash will pass).
func EasyTarget() *big.Int {
	return new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
}
