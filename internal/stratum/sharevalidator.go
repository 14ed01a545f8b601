package stratum

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/djkazic/ckpool-go/internal/metrics"
	"github.com/djkazic/ckpool-go/internal/storage"
	"github.com/djkazic/ckpool-go/internal/work"
	"github.com/djkazic/ckpool-go/pkg/util"

	"go.uber.org/zap"
)

// Outcome is the result of validating one mining.submit.
type Outcome int

const (
	Accepted Outcome = iota
	AcceptedBlock
	RejectStale
	RejectDuplicate
	RejectLowDifficulty
	RejectInvalidJob
	RejectMalformed
	RejectUnauthorized
	RejectBadTime
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case AcceptedBlock:
		return "accepted_block"
	case RejectStale:
		return "stale"
	case RejectDuplicate:
		return "duplicate"
	case RejectLowDifficulty:
		return "low_difficulty"
	case RejectInvalidJob:
		return "invalid_job"
	case RejectMalformed:
		return "malformed"
	case RejectUnauthorized:
		return "unauthorized"
	case RejectBadTime:
		return "bad_time"
	default:
		return "unknown"
	}
}

// IsReject reports whether the outcome is anything other than an accept.
func (o Outcome) IsReject() bool {
	return o != Accepted && o != AcceptedBlock
}

// Submission carries the raw fields of one mining.submit call, still in
// wire hex form.
type Submission struct {
	WorkerName  string
	JobID       string
	Extranonce2 string
	NTime       string
	Nonce       string
	VersionBits string // empty unless the miner rolled version bits
}

// JobSource looks up a broadcast Job by ID. work.TemplateSource implements
// this; tests supply a smaller fake.
type JobSource interface {
	GetJob(id string) *work.JobData
}

// BlockSubmitter assembles and submits a full block once a share meets the
// network target.
type BlockSubmitter interface {
	SubmitBlock(header, coinbase []byte, job *work.JobData) error
}

// ShareRecorder persists accepted shares for operator history. It is never
// consulted to decide a share's outcome.
type ShareRecorder interface {
	RecordShare(storage.ShareRecord) error
}

// BlockRecorder persists found blocks for operator history.
type BlockRecorder interface {
	RecordBlock(storage.BlockRecord) error
}

// ntimeWindow is the Bitcoin consensus MTP allowance: a submitted ntime may
// lead the wall clock by at most this much.
const ntimeWindow = 2 * time.Hour

// ShareValidator reconstructs a candidate header from a submission and
// compares it against both the session's difficulty target and the
// network target, per the ckpool byte-flip conventions.
type ShareValidator struct {
	jobs          JobSource
	submitter     BlockSubmitter
	recorder      ShareRecorder
	blockRecorder BlockRecorder
	logger        *zap.Logger
}

func NewShareValidator(jobs JobSource, submitter BlockSubmitter, logger *zap.Logger) *ShareValidator {
	return &ShareValidator{jobs: jobs, submitter: submitter, logger: logger}
}

// SetRecorder wires a share-history recorder in after construction; nil
// disables recording (the zero value already behaves this way).
func (v *ShareValidator) SetRecorder(r ShareRecorder) {
	v.recorder = r
}

// SetBlockRecorder wires a found-block recorder in after construction.
func (v *ShareValidator) SetBlockRecorder(r BlockRecorder) {
	v.blockRecorder = r
}

// Validate runs the full ten-step share-validation algorithm against one
// session's submission. session carries the immutable, already-authorized
// per-connection state (payout script, extranonce1, version-rolling mask,
// difficulty, and the fingerprint set it mutates).
func (v *ShareValidator) Validate(session *Session, sub Submission) (outcome Outcome) {
	defer func() { metrics.SharesByOutcome.WithLabelValues(outcome.String()).Inc() }()

	// 1. Look up the job. An evicted or unknown job_id is rejected outright;
	// the job source (work.TemplateSource) only keeps the most recent five
	// jobs.
	job := v.jobs.GetJob(sub.JobID)
	if job == nil {
		return RejectInvalidJob
	}

	// 2. Field shape checks: extranonce2 must be exactly extranonce2_size
	// bytes (fixed at 4), ntime/nonce/version must each decode as 4-byte hex.
	if len(sub.Extranonce2) != Extranonce2Size*2 || !isHex(sub.Extranonce2) {
		return RejectMalformed
	}
	if len(sub.NTime) != 8 || !isHex(sub.NTime) {
		return RejectMalformed
	}
	if len(sub.Nonce) != 8 || !isHex(sub.Nonce) {
		return RejectMalformed
	}

	// 3. Time window: template.min_time <= ntime <= now + 7200 (the Bitcoin
	// consensus MTP allowance), per the node's own getblocktemplate mintime
	// and the wall clock — not a window relative to the job's own ntime.
	submittedTime, err := strconv.ParseUint(sub.NTime, 16, 32)
	if err != nil {
		return RejectMalformed
	}
	if int64(submittedTime) < job.MinTime {
		return RejectBadTime
	}
	if int64(submittedTime) > time.Now().Unix()+int64(ntimeWindow/time.Second) {
		return RejectBadTime
	}

	// 4. Version: either the miner resubmits the job's own version exactly,
	// or — if this session negotiated a version-rolling mask via
	// mining.configure — the submitted version may differ from the job's
	// only within that mask. With no mask negotiated, the submitted version
	// is still accepted when it equals the job's version exactly.
	effectiveVersion := job.Version
	if sub.VersionBits != "" {
		if len(sub.VersionBits) != 8 || !isHex(sub.VersionBits) {
			return RejectMalformed
		}
		jobV, err1 := strconv.ParseUint(job.Version, 16, 32)
		subV, err2 := strconv.ParseUint(sub.VersionBits, 16, 32)
		if err1 != nil || err2 != nil {
			return RejectMalformed
		}
		mask := session.versionRollingMask
		if mask == 0 {
			if uint32(subV) != uint32(jobV) {
				return RejectMalformed
			}
			effectiveVersion = sub.VersionBits
		} else {
			merged := (uint32(jobV) &^ mask) | (uint32(subV) & mask)
			effectiveVersion = fmt.Sprintf("%08x", merged)
		}
	}

	// 5. At-most-once fingerprint: (job_id, extranonce2, ntime, nonce,
	// version) must not have been seen before on this session.
	fp := SubmissionFingerprint{
		JobID:       sub.JobID,
		Extranonce2: sub.Extranonce2,
		NTime:       sub.NTime,
		Nonce:       sub.Nonce,
		Version:     effectiveVersion,
	}
	if session.seenFingerprint(fp) {
		return RejectDuplicate
	}

	// 6. Bind the job's coinbase template to this session's authorized
	// payout script.
	coinb1, coinb2, _, err := job.CoinbaseFor(session.payoutScript)
	if err != nil {
		v.logger.Error("coinbase binding failed", zap.Error(err), zap.String("job_id", job.ID))
		return RejectMalformed
	}

	// 7. Reconstruct the 80-byte header and the full coinbase from
	// coinb1/coinb2, this session's extranonce1, and the submitted
	// extranonce2/ntime/nonce/version.
	header, coinbase, err := work.ReconstructHeader(job, coinb1, coinb2, effectiveVersion, session.extranonce1, sub.Extranonce2, sub.NTime, sub.Nonce)
	if err != nil {
		return RejectMalformed
	}

	// 8. Hash the header (flip_80 form) and compare to this session's
	// share target.
	flipped := util.Flip80(header)
	var headerArr [80]byte
	copy(headerArr[:], flipped)
	hash := util.DoubleSHA256(headerArr[:])

	shareTarget := util.DifficultyToShareTarget(session.Difficulty())
	if !util.HashMeetsTarget(hash, shareTarget) {
		return RejectLowDifficulty
	}

	// 9. Record the fingerprint now that the share is known valid at the
	// session's own difficulty, whether or not it also clears the network
	// target.
	session.recordFingerprint(fp)

	if v.recorder != nil {
		meetsNetwork := false
		if compact, err := strconv.ParseUint(job.NBits, 16, 32); err == nil {
			meetsNetwork = hashMeetsNetworkTarget(hash, util.CompactToTarget(uint32(compact)))
		}
		if err := v.recorder.RecordShare(storage.ShareRecord{
			Worker:     sub.WorkerName,
			Address:    session.payoutAddress,
			Difficulty: session.Difficulty(),
			BlockFound: meetsNetwork,
		}); err != nil {
			v.logger.Warn("share record failed", zap.Error(err))
		}
	}

	// 10. Compare against the full network target; if met, submit the
	// block and report AcceptedBlock regardless of the node's own response.
	compact, err := strconv.ParseUint(job.NBits, 16, 32)
	if err != nil {
		return Accepted
	}
	networkTarget := util.CompactToTarget(uint32(compact))
	if !hashMeetsNetworkTarget(hash, networkTarget) {
		return Accepted
	}

	if err := v.submitter.SubmitBlock(header, coinbase, job); err != nil {
		v.logger.Error("block submission failed", zap.Error(err), zap.String("job_id", job.ID), zap.Int64("height", job.Height))
	}

	if v.blockRecorder != nil {
		if err := v.blockRecorder.RecordBlock(storage.BlockRecord{
			Height:        job.Height,
			Hash:          util.HashToHex(hash),
			FinderAddress: session.payoutAddress,
			Worker:        sub.WorkerName,
			Reward:        job.CoinbaseValue,
		}); err != nil {
			v.logger.Warn("block record failed", zap.Error(err))
		}
	}

	return AcceptedBlock
}

func hashMeetsNetworkTarget(hash [32]byte, target *big.Int) bool {
	return util.HashMeetsTarget(hash, target)
}

func isHex(s string) bool {
	if len(s) == 0 || len(s)%2 != 0 {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// SubmissionFingerprint identifies a share for at-most-once accounting.
type SubmissionFingerprint struct {
	JobID       string
	Extranonce2 string
	NTime       string
	Nonce       string
	Version     string
}
