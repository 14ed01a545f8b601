package stratum

import (
	"encoding/json"
	"testing"

	"github.com/djkazic/ckpool-go/internal/address"
)

func newCodecForTest() (*address.Codec, error) {
	return address.NewCodec("mainnet")
}

func newTestSession() *Session {
	return &Session{
		state: StateConnected,
		seen:  make(map[SubmissionFingerprint]struct{}),
	}
}

func TestHandleConfigure_NegotiatesMask(t *testing.T) {
	s := newTestSession()
	req := &Request{Params: json.RawMessage(`[["version-rolling"],{"version-rolling.mask":"ffffffff"}]`)}

	result, rpcErr := s.handleConfigure(req)
	if rpcErr != nil {
		t.Fatalf("unexpected error: %v", rpcErr)
	}

	m, ok := result.(map[string]interface{})
	if !ok {
		t.Fatalf("result is not a map: %#v", result)
	}
	if m["version-rolling.mask"] != "1fffe000" {
		t.Errorf("mask = %v, want 1fffe000 (AND of client mask and server default)", m["version-rolling.mask"])
	}

	if s.versionRollingMask != defaultVersionRollingMask {
		t.Errorf("session mask = %x, want %x", s.versionRollingMask, defaultVersionRollingMask)
	}
}

func TestHandleConfigure_WithoutVersionRolling(t *testing.T) {
	s := newTestSession()
	req := &Request{Params: json.RawMessage(`[["minimum-difficulty"]]`)}

	result, rpcErr := s.handleConfigure(req)
	if rpcErr != nil {
		t.Fatalf("unexpected error: %v", rpcErr)
	}
	if !s.configured {
		t.Error("configured flag should be set regardless of which extensions were requested")
	}
	if m, ok := result.(map[string]interface{}); !ok || len(m) != 0 {
		t.Errorf("expected empty result map, got %#v", result)
	}
}

func TestHandleAuthorize_InvalidAddressRejected(t *testing.T) {
	s := newTestSession()
	codec, err := newCodecForTest()
	if err != nil {
		t.Fatal(err)
	}
	s.addressCodec = codec

	req := &Request{Params: json.RawMessage(`["notabitcoinaddress.worker","x"]`)}
	result, rpcErr := s.handleAuthorize(req)
	if rpcErr != nil {
		t.Fatalf("unexpected protocol error: %v", rpcErr)
	}
	if result != false {
		t.Errorf("result = %v, want false", result)
	}
	if s.state == StateAuthorized {
		t.Error("session should not be authorized after an invalid address")
	}
}

func TestHandleAuthorize_ValidAddressSplitsWorkerName(t *testing.T) {
	s := newTestSession()
	codec, err := newCodecForTest()
	if err != nil {
		t.Fatal(err)
	}
	s.addressCodec = codec

	req := &Request{Params: json.RawMessage(`["1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa.rig1","x"]`)}
	result, rpcErr := s.handleAuthorize(req)
	if rpcErr != nil {
		t.Fatalf("unexpected protocol error: %v", rpcErr)
	}
	if result != true {
		t.Fatalf("result = %v, want true", result)
	}
	if s.state != StateAuthorized {
		t.Error("session should be authorized")
	}
	if s.workerName != "rig1" {
		t.Errorf("workerName = %q, want rig1", s.workerName)
	}
	if s.payoutAddress != "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa" {
		t.Errorf("payoutAddress = %q", s.payoutAddress)
	}
	if len(s.payoutScript) == 0 {
		t.Error("payoutScript should be populated")
	}
}

func TestOutcomeResponse_Mapping(t *testing.T) {
	cases := []struct {
		outcome  Outcome
		wantBool bool
		wantCode int
	}{
		{Accepted, true, 0},
		{AcceptedBlock, true, 0},
		{RejectInvalidJob, false, errCodeJobNotFound},
		{RejectDuplicate, false, errCodeDuplicateShare},
		{RejectLowDifficulty, false, errCodeLowDifficulty},
		{RejectUnauthorized, false, errCodeUnauthorized},
		{RejectBadTime, false, errCodeBadTime},
		{RejectMalformed, false, errCodeBadTime},
	}

	for _, c := range cases {
		result, rpcErr := outcomeResponse(c.outcome)
		if result != c.wantBool {
			t.Errorf("%v: result = %v, want %v", c.outcome, result, c.wantBool)
		}
		if c.wantBool && rpcErr != nil {
			t.Errorf("%v: unexpected error %v", c.outcome, rpcErr)
		}
		if !c.wantBool && (rpcErr == nil || rpcErr.Code != c.wantCode) {
			t.Errorf("%v: error = %v, want code %d", c.outcome, rpcErr, c.wantCode)
		}
	}
}
