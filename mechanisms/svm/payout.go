package svm

import (
	"context"
	"fmt"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	blinkpay "github.com/blinkbazaar/blinkpay"
)

// PayoutSender issues SPL token payout transfers. It implements
// blinkpay.PayoutSender; the decrypted payout credential enters only the
// scope of a single Transfer call.
type PayoutSender struct {
	client PayoutRPC
}

// NewPayoutSender creates a sender over an RPC client.
func NewPayoutSender(client PayoutRPC) *PayoutSender {
	return &PayoutSender{client: client}
}

// NewPayoutSenderForNetwork creates a sender against the network's default
// RPC endpoint.
func NewPayoutSenderForNetwork(network string) *PayoutSender {
	return NewPayoutSender(rpc.New(RPCURLForNetwork(network)))
}

// Transfer moves req.Amount base units of req.Mint to req.Destination,
// signing with the base58-encoded private key in payoutKey. The private key
// value is scoped to this call; the caller zeroes payoutKey afterwards.
func (p *PayoutSender) Transfer(ctx context.Context, payoutKey []byte, req blinkpay.TransferRequest) (*blinkpay.TransferResult, error) {
	payoutPriv, err := solana.PrivateKeyFromBase58(string(payoutKey))
	if err != nil {
		return nil, fmt.Errorf("invalid payout key: %w", err)
	}
	payoutPub := payoutPriv.PublicKey()

	mintPubkey, err := solana.PublicKeyFromBase58(req.Mint)
	if err != nil {
		return nil, fmt.Errorf("invalid mint address: %w", err)
	}
	destPubkey, err := solana.PublicKeyFromBase58(req.Destination)
	if err != nil {
		return nil, fmt.Errorf("invalid destination address: %w", err)
	}

	// Mint account provides decimals and confirms the token program.
	mintAccount, err := p.client.GetAccountInfo(ctx, mintPubkey)
	if err != nil {
		return nil, fmt.Errorf("get mint account: %w", err)
	}
	if mintAccount == nil || mintAccount.Value == nil {
		return nil, fmt.Errorf("mint account %s not found", req.Mint)
	}
	owner := mintAccount.Value.Owner
	if owner != solana.TokenProgramID && owner != solana.Token2022ProgramID {
		return nil, fmt.Errorf("asset was not created by a known token program")
	}

	var mintData token.Mint
	if err := bin.NewBinDecoder(mintAccount.Value.Data.GetBinary()).Decode(&mintData); err != nil {
		return nil, fmt.Errorf("decode mint data: %w", err)
	}

	sourceATA, _, err := solana.FindAssociatedTokenAddress(payoutPub, mintPubkey)
	if err != nil {
		return nil, fmt.Errorf("derive source ATA: %w", err)
	}
	destATA, _, err := solana.FindAssociatedTokenAddress(destPubkey, mintPubkey)
	if err != nil {
		return nil, fmt.Errorf("derive destination ATA: %w", err)
	}

	latest, err := p.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("get latest blockhash: %w", err)
	}

	cuLimit, err := computebudget.NewSetComputeUnitLimitInstructionBuilder().
		SetUnits(payoutComputeUnits).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("build compute limit instruction: %w", err)
	}
	cuPrice, err := computebudget.NewSetComputeUnitPriceInstructionBuilder().
		SetMicroLamports(defaultComputeUnitPrice).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("build compute price instruction: %w", err)
	}

	transferIx, err := token.NewTransferCheckedInstructionBuilder().
		SetAmount(req.Amount).
		SetDecimals(mintData.Decimals).
		SetSourceAccount(sourceATA).
		SetMintAccount(mintPubkey).
		SetDestinationAccount(destATA).
		SetOwnerAccount(payoutPub).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("build transfer instruction: %w", err)
	}

	tx, err := solana.NewTransactionBuilder().
		AddInstruction(cuLimit).
		AddInstruction(cuPrice).
		AddInstruction(transferIx).
		SetRecentBlockHash(latest.Value.Blockhash).
		SetFeePayer(payoutPub).
		Build()
	if err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payoutPub) {
			return &payoutPriv
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	sig, err := p.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}

	return &blinkpay.TransferResult{
		Signature:   sig.String(),
		Amount:      req.Amount,
		Mint:        req.Mint,
		Destination: req.Destination,
	}, nil
}
