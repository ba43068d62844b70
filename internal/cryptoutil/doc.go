// Package cryptoutil holds the hashing primitives shared by token
// authentication and archive mirroring.
package cryptoutil
