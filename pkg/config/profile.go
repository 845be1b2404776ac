package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/google/uuid"

	"github.com/openherd/openherd/pkg/engine"
)

// profileSchema constrains a profile document. The spec body is typed
// per driver family; keys the schema does not know are rejected.
const profileSchema = `
profile: {
	name: string & =~"^[a-zA-Z0-9][a-zA-Z0-9_.-]*$"
	type: "fake" | "host.ssh"

	if type == "fake" {
		spec: {...}
	}

	if type == "host.ssh" {
		spec: {
			user:                string
			port?:               int & >0 & <65536
			private_key_path?:   string
			password?:           string
			known_hosts_path?:   string
			connect_timeout_sec?: int & >0
			bootstrap?: {[string]: string}
			commands: {
				create:   string
				delete:   string
				check:    string
				recover?: string
			}
		}
	}
}
`

// ProfileParser parses CUE profile documents into engine.Profile
// records.
type ProfileParser struct {
	ctx    *cue.Context
	schema cue.Value
}

// NewProfileParser creates a parser with the built-in profile schema.
func NewProfileParser() *ProfileParser {
	ctx := cuecontext.New()
	return &ProfileParser{
		ctx:    ctx,
		schema: ctx.CompileString(profileSchema),
	}
}

// ParseProfileFile parses one .cue profile file.
func (p *ProfileParser) ParseProfileFile(path string) (*engine.Profile, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile file: %w", err)
	}
	return p.ParseProfile(string(content), filepath.Base(path))
}

// ParseProfile parses CUE source into a validated profile. The profile
// version is a content hash of the canonical spec, so re-parsing an
// unchanged document yields the same version.
func (p *ProfileParser) ParseProfile(source, filename string) (*engine.Profile, error) {
	val := p.ctx.CompileString(source, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}

	unified := val.Unify(p.schema)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("profile validation failed: %w", err)
	}

	profileVal := unified.LookupPath(cue.ParsePath("profile"))
	if !profileVal.Exists() {
		return nil, fmt.Errorf("document has no profile field")
	}

	var doc struct {
		Name string                 `json:"name"`
		Type string                 `json:"type"`
		Spec map[string]interface{} `json:"spec"`
	}
	if err := profileVal.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}

	spec, err := json.Marshal(doc.Spec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode profile spec: %w", err)
	}

	return &engine.Profile{
		ID:        uuid.New().String(),
		Name:      doc.Name,
		Type:      doc.Type,
		Version:   specVersion(doc.Type, spec),
		Spec:      spec,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// ParseProfileDir parses every .cue file under a directory.
func (p *ProfileParser) ParseProfileDir(dir string) ([]*engine.Profile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile directory: %w", err)
	}

	var profiles []*engine.Profile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".cue") {
			continue
		}
		profile, err := p.ParseProfileFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		profiles = append(profiles, profile)
	}

	return profiles, nil
}

// specVersion hashes the driver type and canonical spec JSON. Map keys
// are sorted by encoding/json, so equal bodies hash equally.
func specVersion(profileType string, spec []byte) string {
	h := sha256.New()
	h.Write([]byte(profileType))
	h.Write([]byte{0})
	h.Write(spec)
	return hex.EncodeToString(h.Sum(nil))[:12]
}
