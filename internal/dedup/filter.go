// Package dedup prevents double-processing of inbound messages. A
// message is a duplicate iff its message id already exists or its
// normalized content hash matches a stored email.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"praxismail/internal/database"
)

var (
	crlfRuns       = regexp.MustCompile(`[\r\n]+`)
	whitespaceRuns = regexp.MustCompile(`[ \t]+`)
	disallowed     = regexp.MustCompile(`[^\w \n.,!?@-]`)
)

// Normalize canonicalizes a message body for hashing: lower-case,
// CR/LF runs to a single LF, whitespace runs to a single space, strip
// characters outside the allowed set, trim.
func Normalize(body string) string {
	normalized := strings.ToLower(body)
	normalized = crlfRuns.ReplaceAllString(normalized, "\n")
	normalized = whitespaceRuns.ReplaceAllString(normalized, " ")
	normalized = disallowed.ReplaceAllString(normalized, "")
	return strings.TrimSpace(normalized)
}

// ContentHash computes the SHA-256 content hash of a message.
func ContentHash(messageID, body string) string {
	sum := sha256.Sum256([]byte(messageID + ":" + Normalize(body)))
	return hex.EncodeToString(sum[:])
}

// Result is the outcome of a Process call.
type Result struct {
	ID          int64
	IsDuplicate bool
}

// Inserter creates the email row for a non-duplicate message. It runs
// inside the same transaction that records the text hash; the filter
// sets TextHash on the email before insertion.
type Inserter func(ctx context.Context, tx *database.Tx, textHash string) (int64, error)

// Filter deduplicates messages against the store.
type Filter struct {
	db *database.DB
}

// NewFilter creates a filter over the store.
func NewFilter(db *database.DB) *Filter {
	return &Filter{db: db}
}

// Process checks (messageID, body) against stored emails. Duplicates
// return the existing email id with IsDuplicate=true; new messages run
// the inserter inside a transaction and return the new id.
func (f *Filter) Process(ctx context.Context, messageID, body string, insert Inserter) (Result, error) {
	textHash := ContentHash(messageID, body)

	var result Result
	err := f.db.WithTx(ctx, func(tx *database.Tx) error {
		if id, err := tx.Emails.FindIDByMessageID(ctx, messageID); err != nil {
			return err
		} else if id != 0 {
			result = Result{ID: id, IsDuplicate: true}
			return nil
		}

		if id, err := tx.Emails.FindIDByTextHash(ctx, textHash); err != nil {
			return err
		} else if id != 0 {
			result = Result{ID: id, IsDuplicate: true}
			return nil
		}

		id, err := insert(ctx, tx, textHash)
		if err != nil {
			return err
		}
		result = Result{ID: id, IsDuplicate: false}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("dedup process failed: %w", err)
	}
	return result, nil
}

// BatchMessage is one entry of a ProcessBatch call.
type BatchMessage struct {
	MessageID string
	Body      string
}

// ProcessBatch runs Process for each message, additionally rejecting
// in-batch repeats (same message id or same content hash) before they
// reach the store.
func (f *Filter) ProcessBatch(ctx context.Context, messages []BatchMessage, insert Inserter) ([]Result, error) {
	seenIDs := make(map[string]Result, len(messages))
	seenHashes := make(map[string]Result, len(messages))

	results := make([]Result, 0, len(messages))
	for _, msg := range messages {
		hash := ContentHash(msg.MessageID, msg.Body)

		if prior, ok := seenIDs[msg.MessageID]; ok {
			results = append(results, Result{ID: prior.ID, IsDuplicate: true})
			continue
		}
		if prior, ok := seenHashes[hash]; ok {
			results = append(results, Result{ID: prior.ID, IsDuplicate: true})
			continue
		}

		result, err := f.Process(ctx, msg.MessageID, msg.Body, insert)
		if err != nil {
			return results, err
		}
		seenIDs[msg.MessageID] = result
		seenHashes[hash] = result
		results = append(results, result)
	}
	return results, nil
}
