package blinkpay

import (
	"fmt"
	"strings"
	"time"
)

// RunStatus is the lifecycle state of a run. pending is the only
// non-terminal state; no transition ever leaves executed, failed or expired.
type RunStatus string

const (
	RunPending  RunStatus = "pending"
	RunExecuted RunStatus = "executed"
	RunFailed   RunStatus = "failed"
	RunExpired  RunStatus = "expired"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunExecuted || s == RunFailed || s == RunExpired
}

// Run is one attempted paid invocation of a blink. Runs are created on
// intake, mutated only by the settler and the reaper, and never deleted.
type Run struct {
	ID           string     `json:"id"`
	BlinkID      string     `json:"blinkId"`
	Payer        string     `json:"payer"`
	Reference    string     `json:"reference"`
	Signature    string     `json:"signature,omitempty"`
	Status       RunStatus  `json:"status"`
	DurationMs   int64      `json:"durationMs,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// BlinkStatus marks whether a blink accepts new runs.
type BlinkStatus string

const (
	BlinkActive BlinkStatus = "active"
	BlinkPaused BlinkStatus = "paused"
)

// Blink is a monetized endpoint descriptor. Written by the marketplace CRUD
// layer, read here at settlement time to resolve price, target and payout
// destination.
type Blink struct {
	ID            string      `json:"id"`
	Slug          string      `json:"slug"`
	Title         string      `json:"title"`
	PriceUSDC     string      `json:"priceUsdc"`
	IconURL       string      `json:"iconUrl,omitempty"`
	TargetURL     string      `json:"targetUrl"`
	TargetMethod  string      `json:"targetMethod"`
	OutputSchema  string      `json:"outputSchema,omitempty"`
	TokenMint     string      `json:"tokenMint"`
	TokenDecimals uint8       `json:"tokenDecimals"`
	// PayoutWallet is the destination the creator's share is forwarded to.
	// Callers pay the creator's intake wallet, a distinct role.
	PayoutWallet string      `json:"payoutWallet"`
	CreatorID    string      `json:"creatorId"`
	FeeBps       int         `json:"feeBps"`
	Status       BlinkStatus `json:"status"`
}

// Creator is a wallet identity plus the intake wallet that receives caller
// payments. EncryptedPayoutKey is the AES-GCM blob of the intake wallet's
// private key; its plaintext only ever exists inside a payout call, where it
// signs the forward of the creator's share out of the intake wallet.
type Creator struct {
	ID                 string `json:"id"`
	Wallet             string `json:"wallet"`
	IntakeWallet       string `json:"intakeWallet"`
	EncryptedPayoutKey []byte `json:"-"`
}

// BlinkSnapshot is the denormalized blink view frozen into a receipt at
// purchase time, so later blink edits never alter history.
type BlinkSnapshot struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	PriceUSDC string `json:"priceUsdc"`
	IconURL   string `json:"iconUrl,omitempty"`
}

// TransactionRecord is the payment half of a receipt.
type TransactionRecord struct {
	Reference  string    `json:"reference"`
	Signature  string    `json:"signature"`
	Payer      string    `json:"payer"`
	Status     RunStatus `json:"status"`
	DurationMs int64     `json:"durationMs"`
}

// Receipt is the immutable record of a successfully settled run.
// Created once, never mutated.
type Receipt struct {
	ID            string            `json:"id"`
	RunID         string            `json:"runId"`
	Blink         BlinkSnapshot     `json:"blink"`
	Transaction   TransactionRecord `json:"transaction"`
	CreatorWallet string            `json:"creatorWallet"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// ExpectedPayment is what the verifier checks a proof against.
// Amount is in base units of the token's decimals.
type ExpectedPayment struct {
	Recipient string
	Mint      string
	Payer     string
	Amount    uint64
	Decimals  uint8
}

// VerificationStatus is the outcome class of a proof check.
type VerificationStatus int

const (
	// VerificationConfirmed means the source of truth reports a finalized
	// transfer matching recipient and amount.
	VerificationConfirmed VerificationStatus = iota
	// VerificationPending means the proof references a transaction that is
	// not yet finalized; the caller retries under the same run.
	VerificationPending
	// VerificationRejected is terminal for this proof: wrong recipient,
	// wrong amount, malformed proof or an on-chain failure.
	VerificationRejected
)

// Verification is the result of checking a payment proof.
type Verification struct {
	Status    VerificationStatus
	Signature string
	Reason    string
}

// TransferResult describes a completed payout transfer.
type TransferResult struct {
	Signature   string `json:"signature"`
	Amount      uint64 `json:"amount"`
	Mint        string `json:"mint"`
	Destination string `json:"destination"`
}

// SettleStatus classifies the outcome of a settlement attempt as seen by
// the caller.
type SettleStatus string

const (
	SettleExecuted SettleStatus = "executed"
	SettleFailed   SettleStatus = "failed"
	// SettleBusy means another settlement holds the reference lock;
	// the caller should retry shortly.
	SettleBusy SettleStatus = "busy"
	// SettlePending means the payment is recognized but not yet finalized;
	// the run stays pending and the caller retries with backoff.
	SettlePending SettleStatus = "pending"
)

// SettleOutcome is what a settlement attempt returns to the front door.
type SettleOutcome struct {
	Status  SettleStatus `json:"status"`
	Run     *Run         `json:"run,omitempty"`
	Receipt *Receipt     `json:"receipt,omitempty"`
	Reason  string       `json:"reason,omitempty"`
}

// ParseAmount converts a decimal price string (e.g. "0.10" or "$0.10") into
// base units for a token with the given number of decimals. Anything beyond
// the token's precision is rejected rather than rounded; underpayment
// tolerance is a verifier policy, never a parsing one.
func ParseAmount(price string, decimals uint8) (uint64, error) {
	s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(price), "$"))
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > int(decimals) {
		return 0, fmt.Errorf("amount %q exceeds token precision of %d decimals", price, decimals)
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))

	var out uint64
	for _, c := range whole + frac {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid amount %q", price)
		}
		d := uint64(c - '0')
		if out > (^uint64(0)-d)/10 {
			return 0, fmt.Errorf("amount %q overflows", price)
		}
		out = out*10 + d
	}
	return out, nil
}
