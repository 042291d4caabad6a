package svm

import (
	"context"
	"fmt"
	"strconv"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	blinkpay "github.com/blinkbazaar/blinkpay"
)

// Verifier checks payment proofs (transaction signatures) against finalized
// Solana state. Stateless; safe for concurrent use.
type Verifier struct {
	client VerifierRPC
}

// NewVerifier creates a verifier over an RPC client.
func NewVerifier(client VerifierRPC) *Verifier {
	return &Verifier{client: client}
}

// NewVerifierForNetwork creates a verifier against the network's default
// RPC endpoint.
func NewVerifierForNetwork(network string) *Verifier {
	return NewVerifier(rpc.New(RPCURLForNetwork(network)))
}

// Verify implements blinkpay.PaymentVerifier.
//
// Confirmed requires a finalized transaction that succeeded on-chain, was
// signed by the expected payer, and delivered at least the expected amount
// of the expected mint to the recipient. A transaction that exists but is
// not yet finalized reports Pending; everything else about the proof itself
// reports Rejected. Only RPC transport trouble returns an error.
func (v *Verifier) Verify(ctx context.Context, proof string, expected blinkpay.ExpectedPayment) (blinkpay.Verification, error) {
	sig, err := solana.SignatureFromBase58(proof)
	if err != nil {
		return rejected(fmt.Sprintf("malformed payment proof: %v", err)), nil
	}

	maxVersion := uint64(0)
	result, err := v.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentFinalized,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil || result == nil {
		// Not visible at finalized commitment yet; distinguish "in
		// flight" from "RPC down" via signature status.
		return v.checkPending(ctx, sig, err)
	}

	if result.Meta == nil {
		return rejected("transaction has no metadata"), nil
	}
	if result.Meta.Err != nil {
		return rejected("transaction failed on-chain"), nil
	}

	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return rejected(fmt.Sprintf("undecodable transaction: %v", err)), nil
	}

	if !signedBy(tx, expected.Payer) {
		return rejected("transaction not signed by expected payer"), nil
	}

	received, err := receivedAmount(result.Meta, expected.Recipient, expected.Mint)
	if err != nil {
		return rejected(err.Error()), nil
	}
	if received == 0 {
		return rejected("no transfer to expected recipient"), nil
	}
	if received < expected.Amount {
		// Any underpayment is rejected; there is no tolerance band.
		return rejected(fmt.Sprintf("amount mismatch: received %d, required %d base units", received, expected.Amount)), nil
	}

	return blinkpay.Verification{Status: blinkpay.VerificationConfirmed, Signature: sig.String()}, nil
}

// checkPending decides between Pending (keep waiting for finality) and an
// infrastructure error when the finalized lookup came back empty.
func (v *Verifier) checkPending(ctx context.Context, sig solana.Signature, lookupErr error) (blinkpay.Verification, error) {
	statuses, err := v.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		if lookupErr != nil {
			return blinkpay.Verification{}, fmt.Errorf("rpc unavailable: %w", lookupErr)
		}
		return blinkpay.Verification{}, fmt.Errorf("signature status lookup: %w", err)
	}
	if statuses == nil || len(statuses.Value) == 0 || statuses.Value[0] == nil {
		// Unknown signature: either still propagating or never sent.
		// Pending lets the caller retry until the run's deadline.
		return blinkpay.Verification{Status: blinkpay.VerificationPending}, nil
	}

	st := statuses.Value[0]
	if st.Err != nil {
		return rejected("transaction failed on-chain"), nil
	}
	// Seen but not finalized when the finalized lookup missed it.
	return blinkpay.Verification{Status: blinkpay.VerificationPending}, nil
}

func rejected(reason string) blinkpay.Verification {
	return blinkpay.Verification{Status: blinkpay.VerificationRejected, Reason: reason}
}

// signedBy reports whether the wallet is among the transaction's required
// signers.
func signedBy(tx *solana.Transaction, wallet string) bool {
	payer, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return false
	}
	n := int(tx.Message.Header.NumRequiredSignatures)
	if n > len(tx.Message.AccountKeys) {
		n = len(tx.Message.AccountKeys)
	}
	for _, key := range tx.Message.AccountKeys[:n] {
		if key.Equals(payer) {
			return true
		}
	}
	return false
}

// receivedAmount sums the token balance increase for accounts owned by the
// recipient holding the expected mint. Balance deltas are the source of
// truth here: they hold regardless of which instruction produced the
// transfer.
func receivedAmount(meta *rpc.TransactionMeta, recipient, mint string) (uint64, error) {
	recipientKey, err := solana.PublicKeyFromBase58(recipient)
	if err != nil {
		return 0, fmt.Errorf("invalid payout wallet: %v", err)
	}
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return 0, fmt.Errorf("invalid token mint: %v", err)
	}

	pre := make(map[uint16]uint64)
	for _, b := range meta.PreTokenBalances {
		if matchBalance(b, recipientKey, mintKey) {
			pre[b.AccountIndex] = parseRawAmount(b)
		}
	}

	var received uint64
	for _, b := range meta.PostTokenBalances {
		if !matchBalance(b, recipientKey, mintKey) {
			continue
		}
		post := parseRawAmount(b)
		if before, ok := pre[b.AccountIndex]; ok {
			if post > before {
				received += post - before
			}
		} else {
			received += post
		}
	}
	return received, nil
}

func matchBalance(b rpc.TokenBalance, owner, mint solana.PublicKey) bool {
	if b.Owner == nil || !b.Owner.Equals(owner) {
		return false
	}
	return b.Mint.Equals(mint)
}

func parseRawAmount(b rpc.TokenBalance) uint64 {
	if b.UiTokenAmount == nil {
		return 0
	}
	amount, err := strconv.ParseUint(b.UiTokenAmount.Amount, 10, 64)
	if err != nil {
		return 0
	}
	return amount
}
