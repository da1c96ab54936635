// Package memory manages the long-term memory files under the memory
// root.
//
// Profile documents (preferences, facts, learnings, domain knowledge)
// are human-readable markdown with one bulleted entry per line, capped
// at a configurable size with oldest entries dropped first. Claims are
// mirrored as JSON under long_term/json/, and short-term records append
// to a JSONL log.
package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/cortex/pkg/protocol"
	"github.com/kadirpekel/cortex/pkg/utils"
)

// Profile document types.
const (
	DocUserPreferences = "user_preferences"
	DocUserFacts       = "user_facts"
	DocSystemLearnings = "system_learnings"
	DocDomainKnowledge = "domain_knowledge"
	DocLesson          = "lesson"
)

var profileDocs = map[string]string{
	DocUserPreferences: "user_preferences.md",
	DocUserFacts:       "user_facts.md",
	DocSystemLearnings: "system_learnings.md",
	DocDomainKnowledge: "domain_knowledge.md",
}

const (
	lessonsDir      = "lessons"
	longTermJSONDir = "long_term/json"
	shortTermDir    = "short_term"
	recordsFile     = "records.jsonl"
)

// Store is the file-backed memory store.
type Store struct {
	root       string
	profileMax int
	mu         sync.Mutex
}

// NewStore opens (creating if needed) the memory root. profileMax caps
// entries per profile document; <= 0 uses 200.
func NewStore(root string, profileMax int) (*Store, error) {
	if profileMax <= 0 {
		profileMax = 200
	}
	for _, sub := range []string{"", lessonsDir, longTermJSONDir, shortTermDir} {
		if _, err := utils.EnsureDir(filepath.Join(root, sub)); err != nil {
			return nil, err
		}
	}
	return &Store{root: root, profileMax: profileMax}, nil
}

// Root returns the memory root path.
func (s *Store) Root() string { return s.root }

// Apply appends a batch of detected memory writes. Unknown doc types are
// rejected; lesson writes create standalone files.
func (s *Store) Apply(writes []protocol.MemoryWrite) error {
	for _, w := range writes {
		if err := s.applyOne(w); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyOne(w protocol.MemoryWrite) error {
	entry := strings.TrimSpace(w.Entry)
	if entry == "" {
		return fmt.Errorf("memory write has empty entry")
	}

	if w.DocType == DocLesson {
		name := w.Section
		if name == "" {
			name = time.Now().UTC().Format("2006-01-02")
		}
		return s.WriteLesson(name, entry)
	}

	file, ok := profileDocs[w.DocType]
	if !ok {
		return fmt.Errorf("unknown memory doc type: %s", w.DocType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.root, file)
	lines := readLines(path)
	line := "- " + entry
	if w.Source != "" {
		line += " (source: " + w.Source + ")"
	}

	if w.Section != "" {
		lines = insertUnderSection(lines, w.Section, line)
	} else {
		lines = append(lines, line)
	}
	lines = capEntries(lines, s.profileMax)

	return utils.WriteFileAtomic(path, []byte(strings.Join(lines, "\n")+"\n"), 0644)
}

// ReadDoc returns the content of one profile document, empty when it
// does not exist yet.
func (s *Store) ReadDoc(docType string) (string, error) {
	file, ok := profileDocs[docType]
	if !ok {
		return "", fmt.Errorf("unknown memory doc type: %s", docType)
	}
	data, err := os.ReadFile(filepath.Join(s.root, file))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteLesson writes (or overwrites) one lesson file.
func (s *Store) WriteLesson(name, content string) error {
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
	path := filepath.Join(s.root, lessonsDir, name+".md")
	return utils.WriteFileAtomic(path, []byte(strings.TrimSpace(content)+"\n"), 0644)
}

// Lessons lists stored lesson names.
func (s *Store) Lessons() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, lessonsDir))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".md") {
			names = append(names, strings.TrimSuffix(entry.Name(), ".md"))
		}
	}
	return names, nil
}

// StoreClaimJSON mirrors a claim under long_term/json/<claim_id>.json.
func (s *Store) StoreClaimJSON(claimID string, claim interface{}) error {
	if claimID == "" {
		return fmt.Errorf("claim ID is required")
	}
	data, err := json.MarshalIndent(claim, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal claim %s: %w", claimID, err)
	}
	return utils.WriteFileAtomic(filepath.Join(s.root, longTermJSONDir, claimID+".json"), data, 0644)
}

// AppendShortTerm appends one record to the short-term JSONL log.
func (s *Store) AppendShortTerm(record interface{}) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal short-term record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(s.root, shortTermDir, recordsFile),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open short-term log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append short-term record: %w", err)
	}
	return nil
}

// ShortTermTail returns up to n most recent short-term records as raw
// JSON lines, oldest first.
func (s *Store) ShortTermTail(n int) ([]string, error) {
	f, err := os.Open(filepath.Join(s.root, shortTermDir, recordsFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

func readLines(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	content := strings.TrimRight(string(data), "\n")
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

// insertUnderSection appends the line at the end of the named "## "
// section, creating the section when absent.
func insertUnderSection(lines []string, section, line string) []string {
	header := "## " + section
	start := -1
	for i, l := range lines {
		if strings.TrimSpace(l) == header {
			start = i
			break
		}
	}
	if start < 0 {
		if len(lines) > 0 {
			lines = append(lines, "")
		}
		return append(lines, header, line)
	}

	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		if strings.HasPrefix(lines[i], "## ") {
			end = i
			break
		}
	}
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:end]...)
	out = append(out, line)
	out = append(out, lines[end:]...)
	return out
}

// capEntries drops the oldest bulleted entries beyond max, keeping
// headers and structure intact.
func capEntries(lines []string, max int) []string {
	count := 0
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "- ") {
			count++
		}
	}
	if count <= max {
		return lines
	}

	drop := count - max
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if drop > 0 && strings.HasPrefix(strings.TrimSpace(l), "- ") {
			drop--
			continue
		}
		out = append(out, l)
	}
	return out
}
