// Package frost implements the cryptographic core of the multisig
// ceremonies over an arbitrary elliptic curve group: Pedersen/Feldman
// distributed key generation with Schnorr proofs of knowledge, key
// resharing, and FROST threshold Schnorr signing.
//
// The package is stateless. Round management, broadcast verification and
// blame live in the keygen and signing packages, which call into a [FROST]
// value for every computation.
//
// # Distributed Key Generation
//
//  1. Each party samples a polynomial of degree t with [FROST.GenerateDealing],
//     publishing commitments C_k = a_k * G and a proof of knowledge of a_0.
//  2. Each party privately sends [FROST.ShareFor] to every recipient.
//  3. Recipients check proofs with [FROST.ValidateCommitment] and shares with
//     [FROST.VerifyShare] (the Feldman check).
//  4. The aggregate key is [FROST.AggregateKey], a party's secret share is
//     [FROST.CombineShares] and public shares follow from
//     [FROST.PartyPublicKey].
//
// # Resharing
//
// A subset of key holders reshares an existing key by dealing with
// [FROST.ResharingSecret] as the constant term. The first commitment of each
// sharer must equal [FROST.ExpectedPubkeyShare], which keeps the aggregate
// key unchanged.
//
// # Threshold Signing
//
//  1. Each signer samples nonces with [FROST.GenerateNonces] and broadcasts
//     the commitments.
//  2. Each signer computes [FROST.LocalSignature].
//  3. Responses are checked and combined with [FROST.AggregateSignature].
//  4. Anyone can check the result with [FROST.Verify].
//
// # Thresholds
//
// [ThresholdFromShareCount] fixes t for n parties. Any t+1 parties can sign,
// and every broadcast value must be echoed by more than t parties to be
// accepted.
//
// Nonces must never be reused; callers zeroize them right after computing
// their local signature.
package frost
