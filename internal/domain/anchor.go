package domain

import "time"

// Anchor is a stage-scoped commitment chained from the lifecycle root
// secret. Each anchor has exactly one parent; the digest is an HMAC keyed
// with the parent digest, so holding a child leaks nothing about the parent
// while holding the parent reproduces every child deterministically.
type Anchor struct {
	LifecycleID  string    `json:"lifecycle_id"`
	Stage        Stage     `json:"stage"`
	Digest       []byte    `json:"digest"`
	ParentDigest []byte    `json:"parent_digest"`
	DerivedAt    time.Time `json:"derived_at"`
}
