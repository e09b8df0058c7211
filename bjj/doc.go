// Package bjj implements [group.Group] for Baby Jubjub, the twisted Edwards
// curve a*x^2 + y^2 = 1 + d*x^2*y^2 with a = 168700 and d = 168696 over the
// BN254 scalar field. Arithmetic is delegated to gnark-crypto.
//
// Points use gnark-crypto's 32-byte compressed form, except the identity,
// which is written as 32 zero bytes. SetBytes rejects points outside the
// prime-order subgroup.
package bjj
