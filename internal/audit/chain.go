// Package audit implements the tamper-evident, hash-chained audit log
// and the query, statistics, verification, and reporting engine over it.
//
// Every authorization decision made by the agent platform is recorded as
// an Entry in append-only daily JSONL files. Each entry's hash covers a
// canonical serialization of its fields plus the previous entry's hash,
// forming a chain where tampering with any entry breaks verification
// from that point forward.
package audit

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
)

// GenesisHash is the fixed PrevHash of the very first entry ever written
// to a log directory. It never reappears after a restart — recovery
// resumes from the last persisted entry's hash.
const GenesisHash = "GENESIS"

// HashAlgorithm selects the digest used for the chain. Changing the
// algorithm invalidates verification of previously written chains, so it
// is fixed for the lifetime of a log directory.
type HashAlgorithm string

const (
	SHA256 HashAlgorithm = "sha256"
	SHA384 HashAlgorithm = "sha384"
	SHA512 HashAlgorithm = "sha512"
)

// newDigest returns a fresh hash.Hash for the algorithm, defaulting to
// SHA-256 for unknown values.
func (a HashAlgorithm) newDigest() hash.Hash {
	switch a {
	case SHA384:
		return sha512.New384()
	case SHA512:
		return sha512.New()
	default:
		return sha256.New()
	}
}

// name returns the prefix used in rendered hash strings.
func (a HashAlgorithm) name() string {
	switch a {
	case SHA384, SHA512:
		return string(a)
	default:
		return string(SHA256)
	}
}

// computeHash calculates the chain digest for an entry.
//
// The serialization is a fixed, explicit field order so verification is
// reproducible regardless of map iteration order:
//
//	id|ts|seq|category|severity|message|action|allowed|reason|source|session|duration|context|prev_hash
//
// Context is canonicalized via encoding/json, which sorts map keys at
// every nesting level. The Hash field itself is never part of the input.
//
// Returns a prefixed hash string: "sha256:<hex>".
func computeHash(algo HashAlgorithm, e *Entry) string {
	h := algo.newDigest()
	fmt.Fprintf(h, "%s|%s|%d|%s|%s|%s|%s|%t|%s|%s|%s|%d|%s|%s",
		e.ID, e.Timestamp, e.Seq,
		e.Category, e.Severity, e.Message,
		e.Action, e.Allowed, e.Reason,
		e.Source, e.SessionID, e.Duration,
		canonicalContext(e.Context), e.PrevHash)
	return algo.name() + ":" + hex.EncodeToString(h.Sum(nil))
}

// canonicalContext renders the context bag deterministically. A nil or
// empty context serializes to the empty string, so "no context" and
// "context omitted from JSON" hash identically.
func canonicalContext(ctx map[string]any) string {
	if len(ctx) == 0 {
		return ""
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		// Unserializable values should never reach the chain, but a
		// stable fallback keeps verification deterministic if one does.
		return fmt.Sprintf("!unserializable:%v", err)
	}
	return string(data)
}

// verifyEntry reports whether an entry's stored hash matches the hash
// recomputed from its canonical fields.
func verifyEntry(algo HashAlgorithm, e *Entry) bool {
	return e.Hash == computeHash(algo, e)
}
