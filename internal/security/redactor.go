package security

import (
	"cmp"
	"regexp"
	"slices"
	"strings"
	"sync/atomic"
)

// RedactPlaceholder replaces every redacted secret.
const RedactPlaceholder = "***REDACTED***"

// DefaultPatterns match key material a snap might echo back and the
// gateway's bearer tokens.
var DefaultPatterns = []*regexp.Regexp{
	// 32-byte hex private keys and BIP-32 entropy.
	regexp.MustCompile(`\b(0x)?[0-9a-fA-F]{64}\b`),
	// BIP-32 extended private keys.
	regexp.MustCompile(`\b[xt]prv[1-9A-HJ-NP-Za-km-z]{100,112}\b`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]{8,}=*`),
}

// minLiteralLen keeps short credentials such as "yes" from mangling
// unrelated text.
const minLiteralLen = 4

// Redactor masks secrets in strings. Literal secrets come from a
// CredentialStore; patterns are fixed at construction. Safe for concurrent
// use; Redact never blocks on an update.
type Redactor struct {
	patterns []*regexp.Regexp
	literals atomic.Pointer[strings.Replacer]
}

// NewRedactor returns a Redactor using patterns, or DefaultPatterns when
// none are given.
func NewRedactor(patterns ...*regexp.Regexp) *Redactor {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	return &Redactor{patterns: patterns}
}

// SetLiterals replaces the literal secrets. Longer secrets are matched
// first so one that contains another is masked whole.
func (r *Redactor) SetLiterals(secrets []string) {
	secrets = slices.DeleteFunc(slices.Clone(secrets), func(s string) bool { return len(s) < minLiteralLen })
	if len(secrets) == 0 {
		r.literals.Store(nil)
		return
	}
	slices.SortFunc(secrets, func(a, b string) int { return cmp.Compare(len(b), len(a)) })
	secrets = slices.Compact(secrets)

	pairs := make([]string, 0, 2*len(secrets))
	for _, s := range secrets {
		pairs = append(pairs, s, RedactPlaceholder)
	}
	r.literals.Store(strings.NewReplacer(pairs...))
}

// Follow loads store's secrets now and again after every change to it.
func (r *Redactor) Follow(store *CredentialStore) {
	store.Watch(func() { r.SetLiterals(store.Values()) })
	r.SetLiterals(store.Values())
}

// Redact returns s with every known secret masked.
func (r *Redactor) Redact(s string) string {
	if s == "" {
		return s
	}
	if rep := r.literals.Load(); rep != nil {
		s = rep.Replace(s)
	}
	for _, p := range r.patterns {
		s = p.ReplaceAllString(s, RedactPlaceholder)
	}
	return s
}
