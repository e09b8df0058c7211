// Package secp256k1 implements the [group.Group] interface for the
// secp256k1 curve using the decred implementation.
//
// Points are encoded as 33-byte SEC1 compressed points. The identity, which
// has no SEC1 compressed form, is encoded as 33 zero bytes and decodes back
// to the identity.
//
// Scalars are 32-byte big-endian integers modulo the group order. SetBytes
// accepts inputs of any length and reduces them, so hash outputs can be
// mapped to scalars directly.
//
// Arithmetic uses the variable-time routines of the underlying library.
// Only operations whose inputs are public (commitments, verification) are
// sensitive to this in the ceremonies.
package secp256k1
