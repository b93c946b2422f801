// Package classify proposes a counterparty for a draft entry based on the
// alias patterns of the user's contacts. Classification never mutates: it
// returns a proposal the caller may apply via the draft store.
package classify

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/rhagen/kontor/internal/domain"
	"github.com/rhagen/kontor/internal/modules/directory"
)

// Proposal is a suggested contact assignment for one entry
type Proposal struct {
	ContactID int64  `json:"contact_id"`
	Pattern   string `json:"pattern"` // The alias pattern that matched
}

// Classifier matches entry text against contact alias patterns
type Classifier struct {
	directory *directory.Repository
	log       zerolog.Logger
}

// NewClassifier creates a new entry classifier
func NewClassifier(dir *directory.Repository, log zerolog.Logger) *Classifier {
	return &Classifier{
		directory: dir,
		log:       log.With().Str("service", "classify").Logger(),
	}
}

// Propose returns the best contact match for the entry's recipient and
// subject text, or nil when no alias pattern matches. Matching is
// case-insensitive substring; ties break on longest pattern, then on the
// most recently created contact.
//
// An already-accounted entry keeps its assignment when no match is found;
// the caller must not treat a nil proposal as a downgrade.
func (c *Classifier) Propose(userID int64, entry *domain.DraftEntry) (*Proposal, error) {
	aliases, err := c.directory.AliasesByUser(userID)
	if err != nil {
		return nil, err
	}
	if len(aliases) == 0 {
		return nil, nil
	}

	haystack := strings.ToLower(entry.Recipient + "\n" + entry.Subject)

	var best *domain.ContactAlias
	var bestLen int
	for idx := range aliases {
		alias := &aliases[idx]
		pattern := strings.ToLower(strings.TrimSpace(alias.Pattern))
		if pattern == "" || !strings.Contains(haystack, pattern) {
			continue
		}
		// Rank on the normalized pattern, so stray whitespace around an
		// alias cannot outrank a genuinely longer match.
		if betterMatch(alias, len(pattern), best, bestLen) {
			best = alias
			bestLen = len(pattern)
		}
	}

	if best == nil {
		return nil, nil
	}

	c.log.Debug().
		Int64("entry_id", entry.ID).
		Int64("contact_id", best.ContactID).
		Str("pattern", best.Pattern).
		Msg("Classified entry")

	return &Proposal{ContactID: best.ContactID, Pattern: best.Pattern}, nil
}

// betterMatch reports whether candidate beats the current best:
// longer normalized pattern first, then newer contact, then higher contact
// id for a stable total order.
func betterMatch(candidate *domain.ContactAlias, candidateLen int, best *domain.ContactAlias, bestLen int) bool {
	if best == nil {
		return true
	}
	if candidateLen != bestLen {
		return candidateLen > bestLen
	}
	if !candidate.ContactCreatedAt.Equal(best.ContactCreatedAt) {
		return candidate.ContactCreatedAt.After(best.ContactCreatedAt)
	}
	return candidate.ContactID > best.ContactID
}
