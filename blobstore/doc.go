// Package blobstore provides content-addressed implementations of
// protocol.BlobStore. Pointers name the digest of the stored bytes, so a
// store never returns content that does not match the pointer it was asked
// for.
package blobstore
