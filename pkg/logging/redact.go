package logging

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

var (
	apiKeyPattern = regexp.MustCompile(`sk-[A-Za-z0-9_\-]{16,}`)
	bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._\-+/=]+`)
	emailPattern  = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?\d[\d\-\s]{7,}\d`)
)

const mask = "***"

// Redactor masks credentials in free text. Registered secrets are replaced
// verbatim, well-known key shapes are replaced by pattern.
type Redactor struct {
	mu      sync.RWMutex
	secrets []string
	pii     bool
}

// NewRedactor creates a redactor with the built-in credential patterns.
func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{}
	for _, s := range secrets {
		r.Register(s)
	}
	return r
}

// WithPII enables masking of emails and phone numbers.
func (r *Redactor) WithPII() *Redactor {
	r.mu.Lock()
	r.pii = true
	r.mu.Unlock()
	return r
}

// Register adds a secret value. Values shorter than 4 characters are ignored.
func (r *Redactor) Register(secret string) {
	secret = strings.TrimSpace(secret)
	if len(secret) < 4 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.secrets {
		if s == secret {
			return
		}
	}
	r.secrets = append(r.secrets, secret)
	// longest first so a secret containing another is masked whole
	sort.Slice(r.secrets, func(i, j int) bool { return len(r.secrets[i]) > len(r.secrets[j]) })
}

// Mask returns s with every known credential replaced.
func (r *Redactor) Mask(s string) string {
	if s == "" {
		return s
	}
	r.mu.RLock()
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, mask)
	}
	pii := r.pii
	r.mu.RUnlock()

	s = apiKeyPattern.ReplaceAllString(s, "sk-"+mask)
	s = bearerPattern.ReplaceAllString(s, "${1}"+mask)
	if pii {
		s = emailPattern.ReplaceAllString(s, "[email]")
		s = phonePattern.ReplaceAllString(s, "[phone]")
	}
	return s
}

// MaskSecret renders a secret for display, keeping only a short prefix.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return mask
	}
	return secret[:3] + mask
}
