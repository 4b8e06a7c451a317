package door

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/bakerst/bakerst/internal/brainerrors"
)

// Door modes.
const (
	ModeOpen     = "open"
	ModeList     = "list"
	ModeLandlord = "landlord"
	ModeCard     = "card"
)

// Check actions.
const (
	ActionAllow        = "allow"
	ActionDeny         = "deny"
	ActionValidateCode = "validate_code"
	ActionChallenge    = "challenge"
)

const (
	codeLength     = 8
	codeTTL        = 5 * time.Minute
	maxActiveCodes = 3

	// codeCharset omits ambiguous characters (I, O, 0, 1).
	codeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// codePattern matches a plausible pairing code after uppercasing and
// trimming.
var codePattern = regexp.MustCompile(`^[A-Z0-9]{6,10}$`)

// CheckResult is the outcome of one ingress decision.
type CheckResult struct {
	Action  string `json:"action"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// PairingResult is the outcome of a pairing attempt.
type PairingResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Policy decides whether inbound channel messages reach the brain.
type Policy struct {
	store  *Store
	mode   string
	logger *slog.Logger
}

// NewPolicy creates a door policy in the given mode.
func NewPolicy(st *Store, mode string, logger *slog.Logger) (*Policy, error) {
	switch mode {
	case ModeOpen, ModeList, ModeLandlord, ModeCard:
	default:
		return nil, brainerrors.Validationf("unknown door mode %q", mode)
	}
	return &Policy{store: st, mode: mode, logger: logger}, nil
}

// CheckMessage decides what to do with one inbound message. staticAllowed is
// the configured allowlist consulted in list mode.
func (p *Policy) CheckMessage(ctx context.Context, platform, senderID, text string, staticAllowed []string) (*CheckResult, error) {
	switch p.mode {
	case ModeOpen:
		return &CheckResult{Action: ActionAllow}, nil

	case ModeList:
		if len(staticAllowed) == 0 {
			return &CheckResult{Action: ActionAllow}, nil
		}
		for _, allowed := range staticAllowed {
			if allowed == senderID {
				return &CheckResult{Action: ActionAllow}, nil
			}
		}
		return &CheckResult{Action: ActionDeny}, nil

	case ModeLandlord:
		return p.checkLandlord(ctx, platform, senderID)

	case ModeCard:
		return p.checkCard(ctx, platform, senderID, text)

	default:
		return nil, fmt.Errorf("unknown door mode %q", p.mode)
	}
}

// checkLandlord approves the first sender ever seen and denies everyone
// else.
func (p *Policy) checkLandlord(ctx context.Context, platform, senderID string) (*CheckResult, error) {
	status, err := p.store.SenderStatus(ctx, platform, senderID)
	if err != nil {
		return nil, err
	}
	if status == SenderApproved {
		return &CheckResult{Action: ActionAllow}, nil
	}

	approved, err := p.store.ApprovedSenderCount(ctx, platform)
	if err != nil {
		return nil, err
	}
	if approved > 0 {
		return &CheckResult{Action: ActionDeny}, nil
	}

	if err := p.store.SetSenderStatus(ctx, platform, senderID, SenderApproved); err != nil {
		return nil, err
	}
	p.logger.Info("landlord claimed", "platform", platform, "sender_id", senderID)
	return &CheckResult{Action: ActionAllow}, nil
}

// checkCard runs the pairing-code flow.
func (p *Policy) checkCard(ctx context.Context, platform, senderID, text string) (*CheckResult, error) {
	status, err := p.store.SenderStatus(ctx, platform, senderID)
	if err != nil {
		return nil, err
	}

	switch status {
	case SenderApproved:
		return &CheckResult{Action: ActionAllow}, nil
	case SenderBlocked:
		return &CheckResult{Action: ActionDeny}, nil
	}

	candidate := strings.ToUpper(strings.TrimSpace(text))
	if status == SenderPending && codePattern.MatchString(candidate) {
		return &CheckResult{Action: ActionValidateCode, Code: candidate}, nil
	}

	if err := p.store.SetSenderStatus(ctx, platform, senderID, SenderPending); err != nil {
		return nil, err
	}
	return &CheckResult{
		Action:  ActionChallenge,
		Message: "This assistant is private. Reply with your pairing code to continue.",
	}, nil
}

// GeneratePairingCode mints a new code, optionally restricted to one
// platform. At most 3 unexpired codes may exist.
func (p *Policy) GeneratePairingCode(ctx context.Context, platform string) (string, error) {
	if err := p.store.purgeExpiredCodes(ctx); err != nil {
		return "", err
	}
	active, err := p.store.activeCodeCount(ctx)
	if err != nil {
		return "", err
	}
	if active >= maxActiveCodes {
		return "", brainerrors.Validationf("too many active pairing codes (max %d)", maxActiveCodes)
	}

	buf := make([]byte, codeLength)
	if _, err := p.store.rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate pairing code: %w", err)
	}
	code := make([]byte, codeLength)
	for i, b := range buf {
		code[i] = codeCharset[int(b)%len(codeCharset)]
	}

	expiresAt := p.store.now().Add(codeTTL)
	if err := p.store.insertCode(ctx, string(code), platform, expiresAt); err != nil {
		return "", err
	}
	p.logger.Info("pairing code generated", "platform", platform)
	return string(code), nil
}

// AttemptPairing validates a code for a sender. On success the sender is
// approved and the code is consumed.
func (p *Policy) AttemptPairing(ctx context.Context, platform, senderID, code string) (*PairingResult, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return &PairingResult{Success: false, Message: "pairing code is required"}, nil
	}

	if err := p.store.purgeExpiredCodes(ctx); err != nil {
		return nil, err
	}

	restriction, ok, err := p.store.lookupCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &PairingResult{Success: false, Message: "invalid or expired pairing code"}, nil
	}
	if restriction != "" && restriction != platform {
		return &PairingResult{Success: false, Message: "pairing code is not valid for this platform"}, nil
	}

	if err := p.store.SetSenderStatus(ctx, platform, senderID, SenderApproved); err != nil {
		return nil, err
	}
	if err := p.store.deleteCode(ctx, code); err != nil {
		return nil, err
	}
	p.logger.Info("sender paired", "platform", platform, "sender_id", senderID)
	return &PairingResult{Success: true, Message: "paired successfully"}, nil
}
