package work

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/djkazic/ckpool-go/internal/bitcoin"
	"github.com/djkazic/ckpool-go/internal/types"
	"github.com/djkazic/ckpool-go/pkg/util"

	"go.uber.org/zap"
)

// SafetyTick is how often TemplateSource polls getblocktemplate even when
// no ZMQ notification has arrived — a backstop against a missed or dropped
// hashblock message.
const SafetyTick = 10 * time.Second

const maxStoredJobs = 5

// TemplateSource produces Jobs from the node's block templates, refreshing
// on ZMQ hashblock notifications and on a fixed safety tick. Exactly one
// TemplateSource runs per process; its JobChannel is the single producer
// SessionRegistry.broadcast fans out from.
type TemplateSource struct {
	rpc    bitcoin.BitcoinRPC
	logger *zap.Logger

	network         string
	extranonceSize  int
	coinbaseMessage string

	currentTemplate *bitcoin.BlockTemplate
	templateMu      sync.RWMutex

	jobCounter atomic.Uint64
	jobCh      chan *JobData

	// Recent jobs stored for share validation lookups
	jobs   map[string]*JobData
	jobsMu sync.RWMutex

	blockNotify <-chan struct{}

	lastJobTime time.Time
}

// NewTemplateSource creates a TemplateSource. blockNotify may be nil, in
// which case only the safety tick drives refreshes.
func NewTemplateSource(
	rpc bitcoin.BitcoinRPC,
	network string,
	extranonceSize int,
	coinbaseMessage string,
	blockNotify <-chan struct{},
	logger *zap.Logger,
) *TemplateSource {
	return &TemplateSource{
		rpc:             rpc,
		logger:          logger,
		network:         network,
		extranonceSize:  extranonceSize,
		coinbaseMessage: coinbaseMessage,
		jobCh:           make(chan *JobData, 8),
		jobs:            make(map[string]*JobData),
		blockNotify:     blockNotify,
	}
}

// Start begins polling for block templates.
func (g *TemplateSource) Start(ctx context.Context) {
	go g.pollLoop(ctx)
}

// JobChannel returns the channel of new jobs.
func (g *TemplateSource) JobChannel() <-chan *JobData {
	return g.jobCh
}

// CurrentTemplate returns the current block template.
func (g *TemplateSource) CurrentTemplate() *bitcoin.BlockTemplate {
	g.templateMu.RLock()
	defer g.templateMu.RUnlock()
	return g.currentTemplate
}

// GenerateJob creates a new job from the current template.
func (g *TemplateSource) GenerateJob() (*JobData, error) {
	g.templateMu.RLock()
	tmpl := g.currentTemplate
	g.templateMu.RUnlock()

	if tmpl == nil {
		return nil, fmt.Errorf("no block template available")
	}

	tmplData := &types.BlockTemplateData{
		Height:            tmpl.Height,
		PrevBlockHash:     tmpl.PreviousBlockHash,
		Version:           fmt.Sprintf("%08x", tmpl.Version),
		Bits:              tmpl.Bits,
		CurTime:           fmt.Sprintf("%08x", tmpl.CurTime),
		MinTime:           tmpl.MinTime,
		CoinbaseValue:     tmpl.CoinbaseValue,
		WitnessCommitment: tmpl.DefaultWitnessCommitment,
		Network:           g.network,
		TxHashes:          extractTxHashes(tmpl),
	}

	seq := g.jobCounter.Add(1)
	jobID := fmt.Sprintf("%x", seq)
	job, err := BuildJobFromTemplate(jobID, tmplData, g.coinbaseMessage, g.extranonceSize)
	if err != nil {
		return nil, fmt.Errorf("build job: %w", err)
	}
	job.Seq = seq
	job.Template = tmpl

	g.storeJob(job)
	return job, nil
}

// GetJob returns a stored job by ID, or nil if not found. The TemplateSource
// only ever holds the most recent maxStoredJobs jobs; an older job ID resolves
// to nil and the caller reports RejectInvalidJob.
func (g *TemplateSource) GetJob(id string) *JobData {
	g.jobsMu.RLock()
	defer g.jobsMu.RUnlock()
	return g.jobs[id]
}

func (g *TemplateSource) storeJob(job *JobData) {
	g.jobsMu.Lock()
	defer g.jobsMu.Unlock()

	g.jobs[job.ID] = job

	for len(g.jobs) > maxStoredJobs {
		oldestID := ""
		var oldestSeq uint64
		for id, j := range g.jobs {
			if oldestID == "" || j.Seq < oldestSeq {
				oldestID = id
				oldestSeq = j.Seq
			}
		}
		delete(g.jobs, oldestID)
	}
}

func (g *TemplateSource) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(SafetyTick)
	defer ticker.Stop()

	var consecutiveFailures int
	var lastFailureTime time.Time

	refresh := func() {
		if consecutiveFailures > 0 && time.Since(lastFailureTime) < backoffDuration(consecutiveFailures) {
			return
		}
		if err := g.fetchTemplate(ctx); err != nil {
			consecutiveFailures++
			lastFailureTime = time.Now()
			g.logger.Warn("bitcoin RPC failed",
				zap.Error(err),
				zap.Int("consecutive_failures", consecutiveFailures),
				zap.Duration("next_retry", backoffDuration(consecutiveFailures)),
			)
		} else if consecutiveFailures > 0 {
			g.logger.Info("bitcoin RPC recovered", zap.Int("after_failures", consecutiveFailures))
			consecutiveFailures = 0
		}
	}

	refresh() // initial fetch

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		case <-g.blockNotify:
			refresh()
		}
	}
}

// backoffDuration computes exponential backoff capped at 60s.
func backoffDuration(failures int) time.Duration {
	if failures <= 0 {
		return SafetyTick
	}
	d := SafetyTick
	for i := 1; i < failures; i++ {
		d *= 2
		if d > 60*time.Second {
			return 60 * time.Second
		}
	}
	return d
}

func (g *TemplateSource) fetchTemplate(ctx context.Context) error {
	tmpl, err := g.rpc.GetBlockTemplate(ctx)
	if err != nil {
		return err
	}

	g.templateMu.Lock()
	oldTemplate := g.currentTemplate
	g.currentTemplate = tmpl
	g.templateMu.Unlock()

	newBlock := oldTemplate == nil || tmpl.PreviousBlockHash != oldTemplate.PreviousBlockHash

	if newBlock {
		g.logger.Info("new block template",
			zap.Int64("height", tmpl.Height),
			zap.String("prevhash", tmpl.PreviousBlockHash[:16]+"..."),
		)
	}

	// Any message — whether a new block or a same-block refresh triggered
	// by the safety tick — invalidates the current job, since ntime/
	// transaction selection may have changed even without a height bump.
	job, err := g.GenerateJob()
	if err != nil {
		g.logger.Error("failed to generate job", zap.Error(err))
		return nil
	}
	job.CleanJobs = newBlock

	select {
	case g.jobCh <- job:
		g.lastJobTime = time.Now()
	default:
		g.logger.Warn("job channel full")
	}

	return nil
}

func extractTxHashes(tmpl *bitcoin.BlockTemplate) []string {
	hashes := make([]string, len(tmpl.Transactions))
	for i, tx := range tmpl.Transactions {
		// getblocktemplate returns txids in display order (reversed).
		// The merkle tree needs internal byte order (raw hash output).
		b, _ := hex.DecodeString(tx.TxID)
		hashes[i] = hex.EncodeToString(util.ReverseBytes(b))
	}
	return hashes
}
