package frost

import (
	"crypto/sha256"
	"hash"

	"golang.org/x/crypto/blake2b"

	"github.com/f3rmion/multisig/group"
)

// Hasher defines the hash operations required by the ceremonies.
// Implementations provide different hash functions and domain separation.
type Hasher interface {
	// Binding computes the binding factor of a signer.
	// Inputs: signer index, message, encoded commitment list.
	Binding(g group.Group, signerIdx, msg, encCommitList []byte) group.Scalar

	// Challenge computes the Schnorr challenge.
	// Inputs: group commitment R, public key Y, message.
	Challenge(g group.Group, R, Y, msg []byte) group.Scalar

	// ProofChallenge computes the challenge of a proof of knowledge of the
	// secret behind a committed point.
	// Inputs: committed point, nonce commitment, prover index, context.
	ProofChallenge(g group.Group, point, nonceCommitment, proverIdx, context []byte) group.Scalar
}

// SHA256Hasher implements Hasher using SHA-256.
type SHA256Hasher struct{}

func (h *SHA256Hasher) hash(tag string, data ...[]byte) []byte {
	hasher := sha256.New()
	hasher.Write([]byte(tag))
	for _, d := range data {
		hasher.Write(d)
	}
	return hasher.Sum(nil)
}

func (h *SHA256Hasher) hashToScalar(g group.Group, tag string, data ...[]byte) group.Scalar {
	s := g.NewScalar()
	s.SetBytes(h.hash(tag, data...))
	return s
}

// Binding implements Hasher.Binding.
func (h *SHA256Hasher) Binding(g group.Group, signerIdx, msg, encCommitList []byte) group.Scalar {
	return h.hashToScalar(g, "I", signerIdx, msg, encCommitList)
}

// Challenge implements Hasher.Challenge.
func (h *SHA256Hasher) Challenge(g group.Group, R, Y, msg []byte) group.Scalar {
	return h.hashToScalar(g, "chal", R, Y, msg)
}

// ProofChallenge implements Hasher.ProofChallenge.
func (h *SHA256Hasher) ProofChallenge(g group.Group, point, nonceCommitment, proverIdx, context []byte) group.Scalar {
	return h.hashToScalar(g, "zkp", point, nonceCommitment, proverIdx, context)
}

// Blake2bHasher implements Hasher using Blake2b-256 with domain separation.
//
// Domain separation format: prefix + tag + input.
type Blake2bHasher struct {
	// Prefix is the domain separation prefix.
	// Default: "MULTISIG-BLAKE2B256-v1"
	Prefix string
}

// NewBlake2bHasher creates a Blake2bHasher with the default prefix.
func NewBlake2bHasher() *Blake2bHasher {
	return &Blake2bHasher{
		Prefix: "MULTISIG-BLAKE2B256-v1",
	}
}

func (h *Blake2bHasher) newHash() hash.Hash {
	// New256 only fails for keys longer than 64 bytes.
	hasher, _ := blake2b.New256(nil)
	return hasher
}

func (h *Blake2bHasher) hash(tag string, data ...[]byte) []byte {
	hasher := h.newHash()
	hasher.Write([]byte(h.Prefix))
	hasher.Write([]byte(tag))
	for _, d := range data {
		hasher.Write(d)
	}
	return hasher.Sum(nil)
}

func (h *Blake2bHasher) hashToScalar(g group.Group, tag string, data ...[]byte) group.Scalar {
	s := g.NewScalar()
	s.SetBytes(h.hash(tag, data...))
	return s
}

// Binding implements Hasher.Binding.
func (h *Blake2bHasher) Binding(g group.Group, signerIdx, msg, encCommitList []byte) group.Scalar {
	return h.hashToScalar(g, "I", signerIdx, msg, encCommitList)
}

// Challenge implements Hasher.Challenge.
func (h *Blake2bHasher) Challenge(g group.Group, R, Y, msg []byte) group.Scalar {
	return h.hashToScalar(g, "chal", R, Y, msg)
}

// ProofChallenge implements Hasher.ProofChallenge.
func (h *Blake2bHasher) ProofChallenge(g group.Group, point, nonceCommitment, proverIdx, context []byte) group.Scalar {
	return h.hashToScalar(g, "zkp", point, nonceCommitment, proverIdx, context)
}
