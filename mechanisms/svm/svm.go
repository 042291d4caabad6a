// Package svm provides the Solana implementation of the settlement core's
// chain-facing ports: payment-proof verification against finalized
// transactions and SPL token payout transfers.
package svm

import (
	"context"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Network identifiers in CAIP-2 form.
const (
	SolanaMainnetCAIP2 = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	SolanaDevnetCAIP2  = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
)

// Default public RPC endpoints per network.
const (
	MainnetRPCURL = "https://api.mainnet-beta.solana.com"
	DevnetRPCURL  = "https://api.devnet.solana.com"
)

// USDC mint addresses.
const (
	USDCMainnetAddress = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDCDevnetAddress  = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
)

// defaultComputeUnitPrice is the priority fee in micro-lamports attached to
// payout transactions.
const defaultComputeUnitPrice uint64 = 1000

// payoutComputeUnits covers ComputeLimit + ComputePrice + TransferChecked.
const payoutComputeUnits uint32 = 6500

// RPCURLForNetwork maps a CAIP-2 network identifier to its default RPC
// endpoint; unknown networks fall back to mainnet.
func RPCURLForNetwork(network string) string {
	if network == SolanaDevnetCAIP2 {
		return DevnetRPCURL
	}
	return MainnetRPCURL
}

// VerifierRPC is the slice of the Solana RPC surface the verifier needs.
// *rpc.Client satisfies it; tests substitute fakes.
type VerifierRPC interface {
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// PayoutRPC is the slice of the Solana RPC surface the payout sender needs.
// *rpc.Client satisfies it; tests substitute fakes.
type PayoutRPC interface {
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
}
