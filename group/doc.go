// Package group abstracts the elliptic-curve arithmetic that key generation
// and threshold Schnorr signing run on. Each supported curve provides a
// [Group] that creates its [Scalar] and [Point] values.
//
// Arithmetic methods store their result in the receiver and return it:
//
//	// a + b*c
//	r := g.NewScalar().Mul(b, c)
//	r = g.NewScalar().Add(a, r)
//
// Scalars and points encode to fixed-width byte strings of the lengths the
// group reports. The point at infinity encodes to all zero bytes. Peers may
// send it legitimately, for example as the commitment to a zero secret in a
// key handover, so decoding it succeeds.
package group
