package door

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/bakerst/bakerst/internal/brainerrors"
)

func newPolicy(t *testing.T, mode string) (*Policy, *Store) {
	t.Helper()
	st, err := OpenStore(":memory:")
	if err != nil {
		t.Fatalf("open gateway store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p, err := NewPolicy(st, mode, logger)
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	return p, st
}

func TestOpenMode_AllowsEverything(t *testing.T) {
	p, _ := newPolicy(t, ModeOpen)
	res, err := p.CheckMessage(context.Background(), "telegram", "stranger", "hi", nil)
	if err != nil {
		t.Fatalf("CheckMessage: %v", err)
	}
	if res.Action != ActionAllow {
		t.Errorf("action = %q", res.Action)
	}
}

func TestListMode(t *testing.T) {
	p, _ := newPolicy(t, ModeList)
	ctx := context.Background()
	allowed := []string{"alice", "bob"}

	res, _ := p.CheckMessage(ctx, "telegram", "alice", "hi", allowed)
	if res.Action != ActionAllow {
		t.Errorf("listed sender action = %q", res.Action)
	}
	res, _ = p.CheckMessage(ctx, "telegram", "mallory", "hi", allowed)
	if res.Action != ActionDeny {
		t.Errorf("unlisted sender action = %q", res.Action)
	}
	// Empty list is dev-permissive.
	res, _ = p.CheckMessage(ctx, "telegram", "mallory", "hi", nil)
	if res.Action != ActionAllow {
		t.Errorf("empty-list action = %q", res.Action)
	}
}

func TestLandlordMode_FirstSenderClaims(t *testing.T) {
	p, _ := newPolicy(t, ModeLandlord)
	ctx := context.Background()

	res, err := p.CheckMessage(ctx, "telegram", "first", "hello", nil)
	if err != nil {
		t.Fatalf("CheckMessage: %v", err)
	}
	if res.Action != ActionAllow {
		t.Fatalf("first sender action = %q", res.Action)
	}

	res, _ = p.CheckMessage(ctx, "telegram", "second", "hello", nil)
	if res.Action != ActionDeny {
		t.Errorf("second sender action = %q", res.Action)
	}
	res, _ = p.CheckMessage(ctx, "telegram", "first", "again", nil)
	if res.Action != ActionAllow {
		t.Errorf("returning landlord action = %q", res.Action)
	}
}

func TestCardMode_PairingFlow(t *testing.T) {
	p, _ := newPolicy(t, ModeCard)
	ctx := context.Background()

	// Unknown sender is challenged and flipped to pending.
	res, err := p.CheckMessage(ctx, "telegram", "X", "hello", nil)
	if err != nil {
		t.Fatalf("CheckMessage: %v", err)
	}
	if res.Action != ActionChallenge || res.Message == "" {
		t.Fatalf("first contact = %+v", res)
	}

	code, err := p.GeneratePairingCode(ctx, "")
	if err != nil {
		t.Fatalf("GeneratePairingCode: %v", err)
	}
	if !regexp.MustCompile(`^[A-Z2-9]{8}$`).MatchString(code) {
		t.Fatalf("code = %q, want 8 chars of the unambiguous charset", code)
	}

	// A pending sender typing something code-shaped gets validate_code with
	// the normalised text.
	res, _ = p.CheckMessage(ctx, "telegram", "X", "  "+lower(code)+"  ", nil)
	if res.Action != ActionValidateCode || res.Code != code {
		t.Fatalf("code message = %+v, want validate_code %q", res, code)
	}

	pairing, err := p.AttemptPairing(ctx, "telegram", "X", lower(code))
	if err != nil {
		t.Fatalf("AttemptPairing: %v", err)
	}
	if !pairing.Success {
		t.Fatalf("pairing = %+v", pairing)
	}

	res, _ = p.CheckMessage(ctx, "telegram", "X", "hello again", nil)
	if res.Action != ActionAllow {
		t.Errorf("paired sender action = %q", res.Action)
	}

	// The code is consumed.
	second, _ := p.AttemptPairing(ctx, "telegram", "Y", code)
	if second.Success {
		t.Error("consumed code paired a second sender")
	}
}

func TestCardMode_BlockedSenderDenied(t *testing.T) {
	p, st := newPolicy(t, ModeCard)
	ctx := context.Background()

	if err := st.SetSenderStatus(ctx, "telegram", "banned", SenderBlocked); err != nil {
		t.Fatalf("SetSenderStatus: %v", err)
	}
	res, _ := p.CheckMessage(ctx, "telegram", "banned", "ABCD2345", nil)
	if res.Action != ActionDeny {
		t.Errorf("blocked sender action = %q", res.Action)
	}
}

func TestGeneratePairingCode_Limits(t *testing.T) {
	p, st := newPolicy(t, ModeCard)
	ctx := context.Background()

	for i := 0; i < maxActiveCodes; i++ {
		if _, err := p.GeneratePairingCode(ctx, ""); err != nil {
			t.Fatalf("code %d: %v", i, err)
		}
	}
	if _, err := p.GeneratePairingCode(ctx, ""); !brainerrors.IsValidation(err) {
		t.Errorf("fourth code err = %v, want validation error", err)
	}

	// Expired codes no longer count against the limit.
	st.now = func() time.Time { return time.Now().Add(codeTTL + time.Minute) }
	if _, err := p.GeneratePairingCode(ctx, ""); err != nil {
		t.Errorf("post-expiry code: %v", err)
	}
}

func TestGeneratePairingCode_DeterministicBytes(t *testing.T) {
	p, st := newPolicy(t, ModeCard)
	// Each byte reduces mod the 32-character charset.
	st.rand = bytes.NewReader([]byte{0, 1, 31, 32, 33, 63, 64, 255})

	code, err := p.GeneratePairingCode(context.Background(), "")
	if err != nil {
		t.Fatalf("GeneratePairingCode: %v", err)
	}
	if code != "AB9AB9A9" {
		t.Errorf("code = %q, want AB9AB9A9", code)
	}
}

func TestAttemptPairing_PlatformRestriction(t *testing.T) {
	p, _ := newPolicy(t, ModeCard)
	ctx := context.Background()

	code, err := p.GeneratePairingCode(ctx, "telegram")
	if err != nil {
		t.Fatalf("GeneratePairingCode: %v", err)
	}

	res, _ := p.AttemptPairing(ctx, "discord", "X", code)
	if res.Success {
		t.Error("cross-platform pairing succeeded")
	}
	res, _ = p.AttemptPairing(ctx, "telegram", "X", code)
	if !res.Success {
		t.Errorf("same-platform pairing = %+v", res)
	}
}

func TestAttemptPairing_ExpiredCode(t *testing.T) {
	p, st := newPolicy(t, ModeCard)
	ctx := context.Background()

	code, err := p.GeneratePairingCode(ctx, "")
	if err != nil {
		t.Fatalf("GeneratePairingCode: %v", err)
	}

	st.now = func() time.Time { return time.Now().Add(codeTTL + time.Minute) }
	res, _ := p.AttemptPairing(ctx, "telegram", "X", code)
	if res.Success {
		t.Error("expired code paired a sender")
	}
}

func lower(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c >= 'A' && c <= 'Z' {
			out[i] = c + 32
		}
	}
	return string(out)
}
