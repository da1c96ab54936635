// Package turn manages per-turn transcript directories.
//
// Every user turn gets its own directory holding typed documents:
// the query, composed context, intent, plan, tool call records, the
// evidence bundle, the capsule, the final answer, and the turn summary.
// Sealing a turn writes its manifest and makes the directory read-only
// to the gateway; sealed turns are the audit trail.
package turn

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/cortex/pkg/utils"
)

// Typed document names.
const (
	DocUserQuery    = "user_query.md"
	DocContext      = "context.md"
	DocIntent       = "intent.json"
	DocPlan         = "plan.json"
	DocBundle       = "bundle.json"
	DocCapsule      = "capsule.json"
	DocEnvelope     = "envelope.json"
	DocAnswer       = "answer.md"
	DocTurnSummary  = "turn_summary.json"
	DocMemoryWrites = "memory_writes.json"
	DocManifest     = "manifest.json"

	// ToolCallsDir holds one file per executed tool call.
	ToolCallsDir = "tool_calls"
)

// ErrSealed is returned on writes to a sealed turn.
var ErrSealed = fmt.Errorf("turn is sealed")

// ManifestFile is one entry in the seal manifest.
type ManifestFile struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Manifest records what a sealed turn contains.
type Manifest struct {
	TurnID    string         `json:"turn_id"`
	SessionID string         `json:"session_id"`
	CreatedAt time.Time      `json:"created_at"`
	SealedAt  time.Time      `json:"sealed_at"`
	Files     []ManifestFile `json:"files"`
}

// Dir is one turn directory.
type Dir struct {
	path      string
	turnID    string
	sessionID string
	createdAt time.Time

	mu     sync.Mutex
	sealed bool
}

// New creates the directory for a fresh turn under
// <transcripts>/<session>/<turn>/.
func New(transcriptsRoot, sessionID, turnID string) (*Dir, error) {
	if sessionID == "" || turnID == "" {
		return nil, fmt.Errorf("session and turn IDs are required")
	}
	path := filepath.Join(transcriptsRoot, sessionID, turnID)
	if _, err := os.Stat(filepath.Join(path, DocManifest)); err == nil {
		return nil, fmt.Errorf("turn %s already sealed", turnID)
	}
	if _, err := utils.EnsureDir(path); err != nil {
		return nil, err
	}
	return &Dir{
		path:      path,
		turnID:    turnID,
		sessionID: sessionID,
		createdAt: time.Now().UTC(),
	}, nil
}

// Open opens an existing turn directory for reading.
func Open(transcriptsRoot, sessionID, turnID string) (*Dir, error) {
	path := filepath.Join(transcriptsRoot, sessionID, turnID)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("turn directory not found: %w", err)
	}
	d := &Dir{path: path, turnID: turnID, sessionID: sessionID}
	if _, err := os.Stat(filepath.Join(path, DocManifest)); err == nil {
		d.sealed = true
	}
	return d, nil
}

// Path returns the directory path.
func (d *Dir) Path() string { return d.path }

// TurnID returns the turn identifier.
func (d *Dir) TurnID() string { return d.turnID }

// SessionID returns the owning session.
func (d *Dir) SessionID() string { return d.sessionID }

// Sealed reports whether the turn has been sealed.
func (d *Dir) Sealed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sealed
}

// WriteDoc writes one typed document atomically.
func (d *Dir) WriteDoc(name string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sealed {
		return ErrSealed
	}
	return utils.WriteFileAtomic(filepath.Join(d.path, name), data, 0644)
}

// WriteJSON marshals v and writes it as a typed document.
func (d *Dir) WriteJSON(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return d.WriteDoc(name, data)
}

// ReadDoc reads one typed document.
func (d *Dir) ReadDoc(name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(d.path, name))
}

// ReadJSON reads and unmarshals a typed document.
func (d *Dir) ReadJSON(name string, v interface{}) error {
	data, err := d.ReadDoc(name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

// Has reports whether a typed document exists.
func (d *Dir) Has(name string) bool {
	_, err := os.Stat(filepath.Join(d.path, name))
	return err == nil
}

// WriteToolCall records one executed tool call as
// tool_calls/step_NN_<tool>.json.
func (d *Dir) WriteToolCall(step int, tool string, record interface{}) error {
	name := filepath.Join(ToolCallsDir, fmt.Sprintf("step_%02d_%s.json", step, sanitizeToolName(tool)))
	return d.WriteJSON(name, record)
}

// ToolCallFiles lists recorded tool call files in step order.
func (d *Dir) ToolCallFiles() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(d.path, ToolCallsDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, filepath.Join(ToolCallsDir, entry.Name()))
		}
	}
	sort.Strings(names)
	return names, nil
}

// Seal writes the manifest and freezes the turn. Sealing twice is an
// error; the manifest covers every file present at seal time.
func (d *Dir) Seal() (*Manifest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sealed {
		return nil, ErrSealed
	}

	manifest := &Manifest{
		TurnID:    d.turnID,
		SessionID: d.sessionID,
		CreatedAt: d.createdAt,
		SealedAt:  time.Now().UTC(),
	}

	err := filepath.Walk(d.path, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(d.path, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(data)
		manifest.Files = append(manifest.Files, ManifestFile{
			Name:   filepath.ToSlash(rel),
			Size:   info.Size(),
			SHA256: hex.EncodeToString(sum[:]),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk turn dir: %w", err)
	}
	sort.Slice(manifest.Files, func(i, j int) bool {
		return manifest.Files[i].Name < manifest.Files[j].Name
	})

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := utils.WriteFileAtomic(filepath.Join(d.path, DocManifest), data, 0644); err != nil {
		return nil, err
	}

	d.sealed = true
	return manifest, nil
}

// Manifest reads the seal manifest of a sealed turn.
func (d *Dir) Manifest() (*Manifest, error) {
	var m Manifest
	if err := d.ReadJSON(DocManifest, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func sanitizeToolName(tool string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, tool)
}
