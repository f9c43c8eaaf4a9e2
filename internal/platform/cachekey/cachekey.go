// Package cachekey derives cart cache keys and shard buckets from user identifiers.
//
// The derived key is a distribution token: it spreads carts across key space and
// buckets. It offers no confidentiality or integrity guarantee and must never be
// treated as an identity or an authorization credential.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

const (
	DefaultRounds       = 5
	DefaultPrefixLength = 16
	DefaultNamespace    = "cart:"
	DefaultBuckets      = 10
)

// Deriver computes deterministic cart keys. The zero value uses the defaults.
type Deriver struct {
	Rounds       int
	PrefixLength int
	Namespace    string
	Buckets      int
}

// New returns a Deriver spreading keys over the given number of buckets.
func New(buckets int) Deriver {
	return Deriver{Buckets: buckets}
}

// Key returns "<namespace><hex prefix>" for the user id.
func (d Deriver) Key(userID string) string {
	return d.namespace() + d.digest(userID)
}

// ShardedKey returns Key with a ":bucket<n>" suffix.
func (d Deriver) ShardedKey(userID string) string {
	digest := d.digest(userID)
	return d.namespace() + digest + ":bucket" + strconv.Itoa(d.bucketOf(digest))
}

// Bucket returns the shard bucket in [0, Buckets) for the user id.
func (d Deriver) Bucket(userID string) int {
	return d.bucketOf(d.digest(userID))
}

// Pattern returns a SCAN match pattern covering every derived key.
func (d Deriver) Pattern() string {
	return d.namespace() + "*"
}

func (d Deriver) digest(userID string) string {
	rounds := d.Rounds
	if rounds <= 0 {
		rounds = DefaultRounds
	}
	sum := sha256.Sum256([]byte(userID))
	encoded := hex.EncodeToString(sum[:])
	for i := 1; i < rounds; i++ {
		sum = sha256.Sum256([]byte(encoded))
		encoded = hex.EncodeToString(sum[:])
	}
	length := d.PrefixLength
	if length <= 0 || length > len(encoded) {
		length = DefaultPrefixLength
	}
	return encoded[:length]
}

func (d Deriver) bucketOf(digest string) int {
	buckets := d.Buckets
	if buckets <= 0 {
		buckets = DefaultBuckets
	}
	tail := digest
	if len(tail) > 2 {
		tail = tail[len(tail)-2:]
	}
	value, err := strconv.ParseUint(tail, 16, 8)
	if err != nil {
		return 0
	}
	return int(value) % buckets
}

func (d Deriver) namespace() string {
	if d.Namespace == "" {
		return DefaultNamespace
	}
	return d.Namespace
}
