package validate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"barflow/models"
)

// FingerprintChain is an append-only, bounded sequence of integrity
// fingerprints. Each entry's chain hash folds in its predecessor's chain
// hash, so editing any retained entry invalidates every later one. The
// chain is a tamper-evidence mechanism for operator auditing, not a
// security boundary.
type FingerprintChain struct {
	mu      sync.Mutex
	limit   int
	entries []models.IntegrityFingerprint
}

func NewFingerprintChain(limit int) *FingerprintChain {
	if limit <= 0 {
		limit = 1000
	}
	return &FingerprintChain{limit: limit}
}

// Append hashes the bar series and links a new fingerprint onto the chain.
// When the chain is full the oldest entry is evicted; retained entries stay
// verifiable because each stores its predecessor's hash value, not a
// reference.
func (c *FingerprintChain) Append(symbol string, timeframe models.Timeframe, bars []models.Bar, score float64, verified bool, records []models.ConsensusRecord, at time.Time) models.IntegrityFingerprint {
	contentHash := HashContent(bars)

	c.mu.Lock()
	defer c.mu.Unlock()

	prev := ""
	if n := len(c.entries); n > 0 {
		prev = c.entries[n-1].ChainHash
	}

	fp := models.IntegrityFingerprint{
		Symbol:      symbol,
		Timeframe:   timeframe,
		ContentHash: contentHash,
		ChainHash:   chainHash(contentHash, prev, at),
		PrevHash:    prev,
		CreatedAt:   at,
		Score:       score,
		Verified:    verified,
		Consensus:   records,
	}

	c.entries = append(c.entries, fp)
	if len(c.entries) > c.limit {
		c.entries = c.entries[len(c.entries)-c.limit:]
	}
	return fp
}

// Entries returns a snapshot of the chain, oldest first.
func (c *FingerprintChain) Entries() []models.IntegrityFingerprint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.IntegrityFingerprint, len(c.entries))
	copy(out, c.entries)
	return out
}

func (c *FingerprintChain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Verify recomputes every retained link and reports the first break, or
// nil when the chain is intact.
func (c *FingerprintChain) Verify() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, fp := range c.entries {
		if i > 0 && fp.PrevHash != c.entries[i-1].ChainHash {
			return fmt.Errorf("chain break at entry %d: prev hash mismatch", i)
		}
		if fp.ChainHash != chainHash(fp.ContentHash, fp.PrevHash, fp.CreatedAt) {
			return fmt.Errorf("chain break at entry %d: chain hash does not match contents", i)
		}
	}
	return nil
}

// HashContent returns the hex SHA-256 of the canonical bar serialization.
// The hash is order-independent because the canonical form sorts bars by
// timestamp.
func HashContent(bars []models.Bar) string {
	sum := sha256.Sum256([]byte(models.CanonicalSeries(bars)))
	return hex.EncodeToString(sum[:])
}

func chainHash(contentHash, prevHash string, at time.Time) string {
	payload := fmt.Sprintf("%s|%s|%d", contentHash, prevHash, at.UTC().UnixNano())
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
