package work

import (
	"context"
	"fmt"
	"time"

	"github.com/djkazic/ckpool-go/internal/bitcoin"
	"github.com/djkazic/ckpool-go/internal/metrics"

	"go.uber.org/zap"
)

const submitTimeout = 10 * time.Second

// Submitter assembles a full block from a validated header, its coinbase,
// and the Job's backing Template, then submits it to the node. It never
// rejects a share on the node's behalf: a share that cleared the network
// target is reported AcceptedBlock to the miner regardless of whether
// bitcoind ultimately accepts the block (stale tip, already-seen, etc.) —
// only the submission outcome is logged.
type Submitter struct {
	rpc    bitcoin.BitcoinRPC
	logger *zap.Logger
}

func NewSubmitter(rpc bitcoin.BitcoinRPC, logger *zap.Logger) *Submitter {
	return &Submitter{rpc: rpc, logger: logger}
}

// SubmitBlock implements stratum.BlockSubmitter.
func (s *Submitter) SubmitBlock(header, coinbase []byte, job *JobData) error {
	if job.Template == nil {
		return fmt.Errorf("submitter: job %s has no backing template", job.ID)
	}

	if err := VerifyMerkleRoot(header, coinbase, job.Template); err != nil {
		s.logger.Error("merkle root mismatch before submission, submitting anyway",
			zap.String("job_id", job.ID), zap.Error(err))
	}

	blockHex, err := ReconstructBlock(header, coinbase, job.Template)
	if err != nil {
		return fmt.Errorf("reconstruct block: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	if err := s.rpc.SubmitBlock(ctx, blockHex); err != nil {
		metrics.BlockSubmissions.WithLabelValues("rejected").Inc()
		s.logger.Warn("node rejected or failed to accept submitted block",
			zap.String("job_id", job.ID),
			zap.Int64("height", job.Height),
			zap.Error(err),
		)
		return err
	}

	metrics.BlockSubmissions.WithLabelValues("accepted").Inc()
	metrics.BlocksFound.Inc()
	s.logger.Info("block submitted", zap.String("job_id", job.ID), zap.Int64("height", job.Height))
	return nil
}
