package stratum

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/djkazic/ckpool-go/internal/storage"
	"github.com/djkazic/ckpool-go/internal/work"
	"go.uber.org/zap"
)

type fakeJobSource struct {
	jobs map[string]*work.JobData
}

func (f *fakeJobSource) GetJob(id string) *work.JobData { return f.jobs[id] }

type fakeSubmitter struct {
	calls int
}

func (f *fakeSubmitter) SubmitBlock(header, coinbase []byte, job *work.JobData) error {
	f.calls++
	return nil
}

func testPayoutScript() []byte {
	script := []byte{0x76, 0xa9, 0x14}
	script = append(script, bytes.Repeat([]byte{0xbb}, 20)...)
	script = append(script, 0x88, 0xac)
	return script
}

func baseTestJob(nbits string) *work.JobData {
	return &work.JobData{
		ID:              "1",
		PrevBlockHash:   strings.Repeat("00", 32),
		MerkleBranches:  nil,
		Version:         "20000000",
		NBits:           nbits,
		NTime:           "5f5e1000",
		Height:          800000,
		CoinbaseValue:   5000000000,
		CoinbaseMessage: "/ckpool-go/",
		ExtranonceSize:  8,
	}
}

func baseTestSession(difficulty float64) *Session {
	return &Session{
		extranonce1:  "deadbeef",
		payoutScript: testPayoutScript(),
		difficulty:   difficulty,
		seen:         make(map[SubmissionFingerprint]struct{}),
	}
}

func baseTestSubmission() Submission {
	return Submission{
		WorkerName:  "worker",
		JobID:       "1",
		Extranonce2: "00000000",
		NTime:       "5f5e1000",
		Nonce:       "12345678",
	}
}

func TestShareValidator_UnknownJobRejected(t *testing.T) {
	jobs := &fakeJobSource{jobs: map[string]*work.JobData{}}
	v := NewShareValidator(jobs, &fakeSubmitter{}, zap.NewNop())
	session := baseTestSession(1.0)

	outcome := v.Validate(session, baseTestSubmission())
	if outcome != RejectInvalidJob {
		t.Errorf("outcome = %v, want RejectInvalidJob", outcome)
	}
}

func TestShareValidator_MalformedExtranonce(t *testing.T) {
	job := baseTestJob("1d00ffff")
	jobs := &fakeJobSource{jobs: map[string]*work.JobData{"1": job}}
	v := NewShareValidator(jobs, &fakeSubmitter{}, zap.NewNop())
	session := baseTestSession(1.0)

	sub := baseTestSubmission()
	sub.Extranonce2 = "00"
	outcome := v.Validate(session, sub)
	if outcome != RejectMalformed {
		t.Errorf("outcome = %v, want RejectMalformed", outcome)
	}
}

func TestShareValidator_BadTimeRejected(t *testing.T) {
	job := baseTestJob("1d00ffff")
	jobs := &fakeJobSource{jobs: map[string]*work.JobData{"1": job}}
	v := NewShareValidator(jobs, &fakeSubmitter{}, zap.NewNop())
	session := baseTestSession(1.0)

	sub := baseTestSubmission()
	sub.NTime = "7fffffff" // far beyond now + 7200s
	outcome := v.Validate(session, sub)
	if outcome != RejectBadTime {
		t.Errorf("outcome = %v, want RejectBadTime", outcome)
	}
}

func TestShareValidator_BelowMinTimeRejected(t *testing.T) {
	job := baseTestJob("1d00ffff")
	job.MinTime = 0x5f5e1001 // one second past the job's own ntime
	jobs := &fakeJobSource{jobs: map[string]*work.JobData{"1": job}}
	v := NewShareValidator(jobs, &fakeSubmitter{}, zap.NewNop())
	session := baseTestSession(1.0)

	outcome := v.Validate(session, baseTestSubmission()) // ntime = 5f5e1000, below MinTime
	if outcome != RejectBadTime {
		t.Errorf("outcome = %v, want RejectBadTime", outcome)
	}
}

// With a compact nbits whose exponent pushes the decoded target beyond the
// maximum representable 256-bit value, every header hash meets the network
// target, so this is a deterministic way to force AcceptedBlock without
// grinding a nonce.
func TestShareValidator_AcceptedBlock(t *testing.T) {
	job := baseTestJob(fmt.Sprintf("%08x", uint32(0x227fffff)))
	jobs := &fakeJobSource{jobs: map[string]*work.JobData{"1": job}}
	submitter := &fakeSubmitter{}
	v := NewShareValidator(jobs, submitter, zap.NewNop())
	session := baseTestSession(1e-30) // share target effectively infinite

	outcome := v.Validate(session, baseTestSubmission())
	if outcome != AcceptedBlock {
		t.Fatalf("outcome = %v, want AcceptedBlock", outcome)
	}
	if submitter.calls != 1 {
		t.Errorf("submitter called %d times, want 1", submitter.calls)
	}
}

// nbits "00000000" decodes to a network target of zero, which no hash can
// ever meet — a deterministic way to force a non-block Accepted outcome.
func TestShareValidator_AcceptedNotBlock(t *testing.T) {
	job := baseTestJob("00000000")
	jobs := &fakeJobSource{jobs: map[string]*work.JobData{"1": job}}
	submitter := &fakeSubmitter{}
	v := NewShareValidator(jobs, submitter, zap.NewNop())
	session := baseTestSession(1e-30)

	outcome := v.Validate(session, baseTestSubmission())
	if outcome != Accepted {
		t.Fatalf("outcome = %v, want Accepted", outcome)
	}
	if submitter.calls != 0 {
		t.Errorf("submitter called %d times, want 0", submitter.calls)
	}
}

func TestShareValidator_LowDifficultyRejected(t *testing.T) {
	job := baseTestJob(fmt.Sprintf("%08x", uint32(0x227fffff)))
	jobs := &fakeJobSource{jobs: map[string]*work.JobData{"1": job}}
	v := NewShareValidator(jobs, &fakeSubmitter{}, zap.NewNop())
	session := baseTestSession(1e30) // share target effectively zero

	outcome := v.Validate(session, baseTestSubmission())
	if outcome != RejectLowDifficulty {
		t.Errorf("outcome = %v, want RejectLowDifficulty", outcome)
	}
}

func TestShareValidator_DuplicateRejected(t *testing.T) {
	job := baseTestJob(fmt.Sprintf("%08x", uint32(0x227fffff)))
	jobs := &fakeJobSource{jobs: map[string]*work.JobData{"1": job}}
	v := NewShareValidator(jobs, &fakeSubmitter{}, zap.NewNop())
	session := baseTestSession(1e-30)

	sub := baseTestSubmission()
	first := v.Validate(session, sub)
	if first.IsReject() {
		t.Fatalf("first submission rejected: %v", first)
	}

	second := v.Validate(session, sub)
	if second != RejectDuplicate {
		t.Errorf("second outcome = %v, want RejectDuplicate", second)
	}
}

func TestShareValidator_VersionRollingPurity(t *testing.T) {
	job := baseTestJob(fmt.Sprintf("%08x", uint32(0x227fffff)))
	jobs := &fakeJobSource{jobs: map[string]*work.JobData{"1": job}}
	v := NewShareValidator(jobs, &fakeSubmitter{}, zap.NewNop())
	session := baseTestSession(1e-30)
	session.versionRollingMask = 0x1fffe000

	sub := baseTestSubmission()
	sub.VersionBits = "20800000"

	outcome := v.Validate(session, sub)
	if outcome.IsReject() {
		t.Fatalf("version-rolled submission rejected: %v", outcome)
	}
}

type fakeRecorder struct {
	shares []storage.ShareRecord
	blocks []storage.BlockRecord
}

func (f *fakeRecorder) RecordShare(r storage.ShareRecord) error {
	f.shares = append(f.shares, r)
	return nil
}

func (f *fakeRecorder) RecordBlock(r storage.BlockRecord) error {
	f.blocks = append(f.blocks, r)
	return nil
}

func TestShareValidator_RecordsShareAndBlock(t *testing.T) {
	job := baseTestJob(fmt.Sprintf("%08x", uint32(0x227fffff)))
	jobs := &fakeJobSource{jobs: map[string]*work.JobData{"1": job}}
	v := NewShareValidator(jobs, &fakeSubmitter{}, zap.NewNop())
	rec := &fakeRecorder{}
	v.SetRecorder(rec)
	v.SetBlockRecorder(rec)

	session := baseTestSession(1e-30)
	session.payoutAddress = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

	sub := baseTestSubmission()
	sub.WorkerName = "rig1"
	outcome := v.Validate(session, sub)
	if outcome != AcceptedBlock {
		t.Fatalf("outcome = %v, want AcceptedBlock", outcome)
	}

	if len(rec.shares) != 1 {
		t.Fatalf("recorded %d shares, want 1", len(rec.shares))
	}
	if rec.shares[0].Worker != "rig1" || !rec.shares[0].BlockFound {
		t.Errorf("share record = %+v, want worker rig1 with BlockFound true", rec.shares[0])
	}

	if len(rec.blocks) != 1 {
		t.Fatalf("recorded %d blocks, want 1", len(rec.blocks))
	}
	if rec.blocks[0].FinderAddress != session.payoutAddress || rec.blocks[0].Height != job.Height {
		t.Errorf("block record = %+v", rec.blocks[0])
	}
}

func TestShareValidator_VersionRollingWithoutConfigureRejected(t *testing.T) {
	job := baseTestJob(fmt.Sprintf("%08x", uint32(0x227fffff)))
	jobs := &fakeJobSource{jobs: map[string]*work.JobData{"1": job}}
	v := NewShareValidator(jobs, &fakeSubmitter{}, zap.NewNop())
	session := baseTestSession(1e-30) // versionRollingMask left at zero

	sub := baseTestSubmission()
	sub.VersionBits = "20800000"

	outcome := v.Validate(session, sub)
	if outcome != RejectMalformed {
		t.Errorf("outcome = %v, want RejectMalformed", outcome)
	}
}

func TestShareValidator_NoMaskExactVersionAccepted(t *testing.T) {
	job := baseTestJob(fmt.Sprintf("%08x", uint32(0x227fffff)))
	jobs := &fakeJobSource{jobs: map[string]*work.JobData{"1": job}}
	v := NewShareValidator(jobs, &fakeSubmitter{}, zap.NewNop())
	session := baseTestSession(1e-30) // versionRollingMask left at zero

	sub := baseTestSubmission()
	sub.VersionBits = job.Version // resubmits the job's own version exactly

	outcome := v.Validate(session, sub)
	if outcome.IsReject() {
		t.Fatalf("outcome = %v, want acceptance", outcome)
	}
}
