// Package reconnect detects when a new provider authorization is really the
// return of a previously disconnected connection, and carries account history
// across so balances and transactions stay continuous.
package reconnect

import (
	"strings"
	"unicode"

	"github.com/cofferbank/coffer/internal/domain"
	"github.com/cofferbank/coffer/internal/providers"
)

// Confidence levels for a reconnection match.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
)

// Match pairs a prior provider account (and its canonical link) with a new
// raw account.
type Match struct {
	Prior      domain.ProviderAccount
	PriorName  string // canonical account name, for medium matching / payload
	Raw        providers.RawAccount
	Confidence string
	Basis      string
}

// candidate is a prior provider account enriched with its canonical name.
type candidate struct {
	account domain.ProviderAccount
	name    string
}

// matchAccounts compares new raw accounts against prior provider accounts.
// High-confidence bases: identical external account id, identical IBAN, or
// identical institution plus identical account-number tail. Medium: same
// normalized display name plus the same account-number tail.
func matchAccounts(prior []candidate, raw []providers.RawAccount) []Match {
	var matches []Match
	claimed := make(map[string]bool) // prior provider-account ids already matched

	tryMatch := func(r providers.RawAccount, pick func(candidate) (string, bool), confidence string) bool {
		for _, c := range prior {
			if claimed[c.account.ID] {
				continue
			}
			basis, ok := pick(c)
			if !ok {
				continue
			}
			claimed[c.account.ID] = true
			matches = append(matches, Match{
				Prior:      c.account,
				PriorName:  c.name,
				Raw:        r,
				Confidence: confidence,
				Basis:      basis,
			})
			return true
		}
		return false
	}

	for _, r := range raw {
		r := r

		if r.ExternalAccountID != "" {
			if tryMatch(r, func(c candidate) (string, bool) {
				return "external_id", c.account.ExternalAccountID == r.ExternalAccountID
			}, ConfidenceHigh) {
				continue
			}
		}

		if iban := normalizeIBAN(r.IBAN); iban != "" {
			if tryMatch(r, func(c candidate) (string, bool) {
				return "iban", normalizeIBAN(c.account.IBAN) == iban
			}, ConfidenceHigh) {
				continue
			}
		}

		if r.InstitutionID != "" && numberTail(r) != "" {
			if tryMatch(r, func(c candidate) (string, bool) {
				return "institution_account",
					institutionOf(c.account) == r.InstitutionID &&
						tailOf(c.account) == numberTail(r)
			}, ConfidenceHigh) {
				continue
			}
		}

		if name := normalizeName(r.Name); name != "" && numberTail(r) != "" {
			tryMatch(r, func(c candidate) (string, bool) {
				return "name_partial_number",
					normalizeName(c.name) == name && tailOf(c.account) == numberTail(r)
			}, ConfidenceMedium)
		}
	}

	return matches
}

// highestConfidence returns the strongest confidence present in the matches.
func highestConfidence(matches []Match) string {
	for _, m := range matches {
		if m.Confidence == ConfidenceHigh {
			return ConfidenceHigh
		}
	}
	if len(matches) > 0 {
		return ConfidenceMedium
	}
	return ""
}

func normalizeIBAN(iban string) string {
	var b strings.Builder
	for _, r := range iban {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

func normalizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// numberTail extracts the last four digits of whatever account number the
// raw account exposes: IBAN first, then a provider-supplied mask.
func numberTail(r providers.RawAccount) string {
	if tail := lastFour(normalizeIBAN(r.IBAN)); tail != "" {
		return tail
	}
	if mask, ok := r.Metadata["mask"].(string); ok {
		return lastFour(mask)
	}
	return ""
}

func tailOf(pa domain.ProviderAccount) string {
	if tail := lastFour(normalizeIBAN(pa.IBAN)); tail != "" {
		return tail
	}
	if mask, ok := pa.ProviderMetadata["mask"].(string); ok {
		return lastFour(mask)
	}
	return ""
}

func institutionOf(pa domain.ProviderAccount) string {
	if inst, ok := pa.ProviderMetadata["institution_id"].(string); ok {
		return inst
	}
	return ""
}

func lastFour(s string) string {
	if len(s) < 4 {
		return ""
	}
	return s[len(s)-4:]
}
