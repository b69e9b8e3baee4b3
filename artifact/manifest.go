package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
)

// Manifest describes the inputs of one batch so its outputs can be traced
// back to exact case and policy contents.
type Manifest struct {
	ID          string           `json:"id"`
	Version     string           `json:"version"`
	CasesPath   string           `json:"cases_path"`
	CasesSHA256 string           `json:"cases_sha256"`
	Cases       int              `json:"cases"`
	Policies    []PolicyManifest `json:"policies"`
	Runs        []string         `json:"runs,omitempty"`
	CreatedAt   string           `json:"created_at"`
}

// PolicyManifest pins one policy by content hash.
type PolicyManifest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Variant string `json:"variant"`
	Model   string `json:"model"`
	SHA256  string `json:"sha256"`
}

// NewManifest creates a manifest for a batch id.
func NewManifest(id, version string) *Manifest {
	return &Manifest{
		ID:        id,
		Version:   version,
		Policies:  []PolicyManifest{},
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// SetCases records the case file and its hash.
func (m *Manifest) SetCases(path string, content []byte, count int) {
	m.CasesPath = path
	m.CasesSHA256 = Digest(content)
	m.Cases = count
}

// AddPolicy pins a policy. Adding the same name twice keeps the first.
func (m *Manifest) AddPolicy(p core.Policy) error {
	for _, existing := range m.Policies {
		if existing.Name == p.Name {
			return nil
		}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("hash policy %s: %w", p.Name, err)
	}
	m.Policies = append(m.Policies, PolicyManifest{
		Name:    p.Name,
		Version: p.Version,
		Variant: p.Variant,
		Model:   p.Model,
		SHA256:  Digest(data),
	})
	return nil
}

// AddRuns records run ids, kept sorted.
func (m *Manifest) AddRuns(ids ...string) {
	m.Runs = append(m.Runs, ids...)
	sort.Strings(m.Runs)
}

// Validate checks required fields.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("manifest ID is required")
	}
	if m.Version == "" {
		return fmt.Errorf("manifest version is required")
	}
	if len(m.Policies) == 0 {
		return fmt.Errorf("manifest needs at least one policy")
	}
	if m.CasesSHA256 == "" {
		return fmt.Errorf("manifest cases hash is required")
	}
	return nil
}

// Write stores the manifest as <dir>/manifest.json.
func (m *Manifest) Write(dir string) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return WriteJSON(filepath.Join(dir, "manifest.json"), m)
}

// Digest returns the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
