// Package blinkpay implements the payment settlement and run-lifecycle core
// of the blink marketplace: monetized third-party HTTP endpoints ("blinks")
// that are invoked only after a verifiable on-chain payment has been
// confirmed, with creators paid out automatically.
//
// The package owns the hard invariants of the marketplace:
//
//   - a payment reference settles at most once, even under concurrent or
//     duplicated requests (advisory distributed lock + store re-check)
//   - a run moves through pending → executed | failed | expired and never
//     leaves a terminal state
//   - runs that never receive confirmation are reaped after a deadline
//   - payout credentials exist in plaintext only inside a single payout call
//   - every successful run produces exactly one immutable receipt
//
// The durable store is the single source of truth for run state; the lock
// layer is advisory and collapses concurrent identical requests into one
// winner. Blockchain access, persistence and the HTTP surface live in
// subpackages (mechanisms/svm, store/postgres, httpapi) behind narrow
// interfaces defined here.
package blinkpay
