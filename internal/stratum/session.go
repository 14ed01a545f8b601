package stratum

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/djkazic/ckpool-go/internal/address"
	"github.com/djkazic/ckpool-go/internal/work"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Extranonce2Size is the fixed width, in bytes, of the extranonce2 field a
// miner fills in for every submission. Per-miner vardiff beyond
// suggest_difficulty is out of scope, so this never varies.
const Extranonce2Size = 4

const (
	outboxSize                = 256
	defaultVersionRollingMask = 0x1fffe000
	maxSessionErrors          = 5
	sessionErrorWindow        = 60 * time.Second
)

// SessionState is the Stratum connection's coarse lifecycle state. Configured
// is tracked as an orthogonal flag on Session rather than a fifth state,
// since mining.configure can arrive at any point before the session closes.
type SessionState int

const (
	StateConnected SessionState = iota
	StateSubscribed
	StateAuthorized
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateAuthorized:
		return "authorized"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// rpcError codes follow ckpool convention so existing miner firmware (which
// often special-cases these numbers in its logs) behaves the same way
// against this pool as against the reference implementation.
const (
	errCodeUnknownMethod  = -3
	errCodeBadTime        = 20
	errCodeJobNotFound    = 21
	errCodeDuplicateShare = 22
	errCodeLowDifficulty  = 23
	errCodeUnauthorized   = 24
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Session is one miner's Stratum connection. Requests on a session are
// processed strictly sequentially by its owning goroutine; the outbox
// channel is the only thing another goroutine (registry broadcast) touches.
type Session struct {
	id       uint64
	peerAddr string
	codec    *Codec
	logger   *zap.Logger

	registry     *SessionRegistry
	jobs         JobSource
	validator    *ShareValidator
	addressCodec *address.Codec

	mu                 sync.Mutex
	state              SessionState
	configured         bool
	versionRollingMask uint32
	extranonce1        string
	workerName         string
	payoutAddress      string
	payoutScript       []byte
	difficulty         float64

	seenMu sync.Mutex
	seen   map[SubmissionFingerprint]struct{}

	limiter *rate.Limiter

	outbox    chan *Notification
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id uint64, conn net.Conn, registry *SessionRegistry, jobs JobSource, validator *ShareValidator, addressCodec *address.Codec, initialDifficulty float64, logger *zap.Logger) *Session {
	return &Session{
		id:           id,
		peerAddr:     conn.RemoteAddr().String(),
		codec:        NewCodec(conn),
		logger:       logger,
		registry:     registry,
		jobs:         jobs,
		validator:    validator,
		addressCodec: addressCodec,
		state:        StateConnected,
		extranonce1:  fmt.Sprintf("%08x", uint32(id)),
		difficulty:   initialDifficulty,
		seen:         make(map[SubmissionFingerprint]struct{}),
		limiter:      rate.NewLimiter(rate.Every(sessionErrorWindow/maxSessionErrors), maxSessionErrors),
		outbox:       make(chan *Notification, outboxSize),
		done:         make(chan struct{}),
	}
}

// Difficulty returns the session's current share-acceptance difficulty.
func (s *Session) Difficulty() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.difficulty
}

// IsAuthorized reports whether mining.authorize has succeeded for this
// session; only authorized sessions receive broadcast jobs.
func (s *Session) IsAuthorized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateAuthorized
}

func (s *Session) seenFingerprint(fp SubmissionFingerprint) bool {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	_, ok := s.seen[fp]
	return ok
}

func (s *Session) recordFingerprint(fp SubmissionFingerprint) {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	s.seen[fp] = struct{}{}
}

// run drives the session's read loop until the connection closes or a
// framing/rate-limit violation forces it shut. It owns the outbox writer
// goroutine so writes never block the read loop on a slow consumer beyond
// the bounded queue.
func (s *Session) run() {
	go s.writeLoop()
	defer s.close()

	for {
		req, err := s.codec.ReadRequest()
		if err != nil {
			return
		}
		if !s.handleRequest(req) {
			return
		}
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case notif, ok := <-s.outbox:
			if !ok {
				return
			}
			if err := s.codec.SendNotification(notif); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// enqueue delivers a notification to this session's outbox. A full outbox
// means the miner isn't draining its socket; rather than block the
// registry's broadcast fan-out on one slow consumer, the session is closed.
func (s *Session) enqueue(notif *Notification) {
	select {
	case s.outbox <- notif:
	default:
		s.logger.Warn("slow consumer, closing session", zap.Uint64("session_id", s.id))
		s.close()
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.done)
		s.codec.Close()
		if s.registry != nil {
			s.registry.remove(s.id)
		}
	})
}

// handleRequest dispatches one parsed request and returns false if the
// session should be torn down (framing error or error-rate exhaustion).
func (s *Session) handleRequest(req *Request) bool {
	var result interface{}
	var rpcErr *rpcError

	switch req.Method {
	case "mining.subscribe":
		result, rpcErr = s.handleSubscribe(req)
	case "mining.configure":
		result, rpcErr = s.handleConfigure(req)
	case "mining.authorize":
		result, rpcErr = s.handleAuthorize(req)
	case "mining.suggest_difficulty":
		s.handleSuggestDifficulty(req)
		return true // no response per the state table
	case "mining.submit":
		result, rpcErr = s.handleSubmit(req)
	default:
		rpcErr = &rpcError{Code: errCodeUnknownMethod, Message: "unknown method"}
	}

	resp := &Response{ID: req.ID, Result: result}
	if rpcErr != nil {
		resp.Error = rpcErr
	}
	if err := s.codec.SendResponse(resp); err != nil {
		return false
	}
	if req.Method == "mining.subscribe" {
		// Queued only once the subscribe response is on the wire, so the
		// miner always reads the response before mining.set_difficulty.
		s.sendSetDifficulty()
	}

	if rpcErr != nil {
		return s.tallyError()
	}
	return true
}

// tallyError applies the 5-errors-per-60s misbehavior rule. Returns false
// once exhausted, signaling the session should close.
func (s *Session) tallyError() bool {
	return s.limiter.Allow()
}

func (s *Session) handleSubscribe(req *Request) (interface{}, *rpcError) {
	s.mu.Lock()
	s.state = StateSubscribed
	extranonce1 := s.extranonce1
	s.mu.Unlock()

	subID := fmt.Sprintf("%x", s.id)
	result := []interface{}{
		[][]string{{"mining.notify", subID}},
		extranonce1,
		Extranonce2Size,
	}

	return result, nil
}

func (s *Session) handleConfigure(req *Request) (interface{}, *rpcError) {
	var params []json.RawMessage
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 1 {
		return nil, &rpcError{Code: errCodeUnknownMethod, Message: "bad params"}
	}

	var extensions []string
	if err := json.Unmarshal(params[0], &extensions); err != nil {
		return nil, &rpcError{Code: errCodeUnknownMethod, Message: "bad params"}
	}

	rolling := false
	for _, ext := range extensions {
		if ext == "version-rolling" {
			rolling = true
		}
	}

	result := map[string]interface{}{}
	if !rolling {
		s.mu.Lock()
		s.configured = true
		s.mu.Unlock()
		return result, nil
	}

	clientMask := uint32(defaultVersionRollingMask)
	if len(params) >= 2 {
		var opts map[string]string
		if err := json.Unmarshal(params[1], &opts); err == nil {
			if m, ok := opts["version-rolling.mask"]; ok {
				if v, err := strconv.ParseUint(m, 16, 32); err == nil {
					clientMask = uint32(v)
				}
			}
		}
	}

	mask := clientMask & uint32(defaultVersionRollingMask)

	s.mu.Lock()
	s.configured = true
	s.versionRollingMask = mask
	s.mu.Unlock()

	result["version-rolling"] = true
	result["version-rolling.mask"] = fmt.Sprintf("%08x", mask)
	return result, nil
}

func (s *Session) handleAuthorize(req *Request) (interface{}, *rpcError) {
	var params []string
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 1 {
		return false, nil
	}

	username := params[0]
	addr := username
	worker := ""
	if idx := strings.IndexByte(username, '.'); idx >= 0 {
		addr = username[:idx]
		worker = username[idx+1:]
	}

	script, err := s.addressCodec.ScriptForAddress(addr)
	if err != nil {
		return false, nil
	}

	s.mu.Lock()
	s.state = StateAuthorized
	s.payoutAddress = addr
	s.workerName = worker
	s.payoutScript = script
	s.mu.Unlock()

	if s.registry != nil {
		if job := s.registry.currentJob(); job != nil {
			s.sendJob(job)
		}
	}

	return true, nil
}

func (s *Session) handleSuggestDifficulty(req *Request) {
	var params []float64
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 1 || params[0] <= 0 {
		return
	}
	s.mu.Lock()
	s.difficulty = params[0]
	s.mu.Unlock()
	s.sendSetDifficulty()
}

func (s *Session) handleSubmit(req *Request) (interface{}, *rpcError) {
	s.mu.Lock()
	authorized := s.state == StateAuthorized
	s.mu.Unlock()
	if !authorized {
		return false, &rpcError{Code: errCodeUnauthorized, Message: "Unauthorized worker"}
	}
	if s.validator == nil {
		return false, &rpcError{Code: errCodeJobNotFound, Message: "Job not found"}
	}

	var params []string
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 5 {
		return false, &rpcError{Code: errCodeBadTime, Message: "Other/Malformed"}
	}

	sub := Submission{
		WorkerName:  params[0],
		JobID:       params[1],
		Extranonce2: params[2],
		NTime:       params[3],
		Nonce:       params[4],
	}
	if len(params) >= 6 {
		sub.VersionBits = params[5]
	}

	outcome := s.validator.Validate(s, sub)
	return outcomeResponse(outcome)
}

func outcomeResponse(outcome Outcome) (interface{}, *rpcError) {
	switch outcome {
	case Accepted, AcceptedBlock:
		return true, nil
	case RejectInvalidJob, RejectStale:
		return false, &rpcError{Code: errCodeJobNotFound, Message: "Job not found"}
	case RejectDuplicate:
		return false, &rpcError{Code: errCodeDuplicateShare, Message: "Duplicate share"}
	case RejectLowDifficulty:
		return false, &rpcError{Code: errCodeLowDifficulty, Message: "Low difficulty"}
	case RejectUnauthorized:
		return false, &rpcError{Code: errCodeUnauthorized, Message: "Unauthorized worker"}
	default:
		return false, &rpcError{Code: errCodeBadTime, Message: "Other/Bad time"}
	}
}

// shutdown queues a client.reconnect notification, gives the write loop up
// to drain to flush it to the miner, then force-closes the session. Used by
// the registry on process shutdown so every session gets a courteous close
// instead of a bare TCP reset.
func (s *Session) shutdown(drain time.Duration) {
	s.enqueue(&Notification{Method: "client.reconnect", Params: []interface{}{}})
	select {
	case <-s.done:
	case <-time.After(drain):
	}
	s.close()
}

func (s *Session) sendSetDifficulty() {
	s.mu.Lock()
	diff := s.difficulty
	s.mu.Unlock()
	s.enqueue(&Notification{Method: "mining.set_difficulty", Params: []interface{}{diff}})
}

// sendJob emits mining.notify for job, binding its coinbase template to
// this session's own authorized payout script.
func (s *Session) sendJob(job *work.JobData) {
	s.mu.Lock()
	script := s.payoutScript
	configured := s.configured
	mask := s.versionRollingMask
	s.mu.Unlock()

	coinb1, coinb2, _, err := job.CoinbaseFor(script)
	if err != nil {
		s.logger.Error("coinbase binding for broadcast failed", zap.Error(err), zap.Uint64("session_id", s.id))
		return
	}

	if configured && mask != 0 {
		s.enqueue(&Notification{Method: "mining.set_version_mask", Params: []interface{}{fmt.Sprintf("%08x", mask)}})
	}

	params := []interface{}{
		job.ID,
		job.PrevBlockHash,
		coinb1,
		coinb2,
		job.MerkleBranches,
		job.Version,
		job.NBits,
		job.NTime,
		job.CleanJobs,
	}
	s.enqueue(&Notification{Method: "mining.notify", Params: params})
}
