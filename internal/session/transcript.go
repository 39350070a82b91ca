package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Transcripts are JSONL files owned by the agent runtime. The lifecycle
// manager only touches them for fork, merge, and compaction, and treats
// every line as opaque except for the header and the role field.

// transcriptHeader is the first line of a forked transcript, recording the
// parent linkage.
type transcriptHeader struct {
	Type      string `json:"type"` // always "header"
	SessionID string `json:"sessionId"`
	Parent    string `json:"parent,omitempty"`
	ForkedAt  int64  `json:"forkedAt,omitempty"`
}

func readTranscriptLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

func writeTranscriptLines(path string, lines []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// lineRole extracts the role field of a transcript line, or "" when the
// line is not a message.
func lineRole(line string) string {
	var probe struct {
		Type string `json:"type"`
		Role string `json:"role"`
	}
	if err := json.Unmarshal([]byte(line), &probe); err != nil {
		return ""
	}
	if probe.Type == "header" {
		return ""
	}
	return probe.Role
}

func isToolResultLine(line string) bool {
	role := lineRole(line)
	return role == "toolResult" || role == "tool"
}

func hasParentHeader(lines []string) bool {
	if len(lines) == 0 {
		return false
	}
	var hdr transcriptHeader
	if err := json.Unmarshal([]byte(lines[0]), &hdr); err != nil {
		return false
	}
	return hdr.Type == "header" && hdr.Parent != ""
}

// parentTail returns up to limit message lines from the end of a parent
// transcript, skipping its header and, unless includeToolResults is set,
// tool-result lines.
func parentTail(parentPath string, limit int, includeToolResults bool) ([]string, error) {
	lines, err := readTranscriptLines(parentPath)
	if err != nil {
		return nil, err
	}
	var msgs []string
	for _, line := range lines {
		var probe struct {
			Type string `json:"type"`
		}
		if json.Unmarshal([]byte(line), &probe) == nil && probe.Type == "header" {
			continue
		}
		if !includeToolResults && isToolResultLine(line) {
			continue
		}
		msgs = append(msgs, line)
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// forkTranscript creates a child transcript seeded with the tail of the
// parent's transcript and a header recording the linkage.
func forkTranscript(parentPath, childPath, childSessionID string, parentKey Key, limit int, includeToolResults bool) error {
	tail, err := parentTail(parentPath, limit, includeToolResults)
	if err != nil {
		return fmt.Errorf("read parent transcript: %w", err)
	}
	hdr, err := json.Marshal(transcriptHeader{
		Type:      "header",
		SessionID: childSessionID,
		Parent:    string(parentKey),
		ForkedAt:  time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	lines := append([]string{string(hdr)}, tail...)
	if err := writeTranscriptLines(childPath, lines); err != nil {
		return fmt.Errorf("write child transcript: %w", err)
	}
	return nil
}

// mergeParentTranscript performs the one-time merge of parent history into
// a still-open child transcript that was created without a parent link.
// It returns true when a merge happened, false when the child already
// carried the link or the parent transcript is unreadable.
func mergeParentTranscript(childPath, parentPath, childSessionID string, parentKey Key, limit int, includeToolResults bool) (bool, error) {
	childLines, err := readTranscriptLines(childPath)
	if err != nil {
		return false, fmt.Errorf("read child transcript: %w", err)
	}
	if hasParentHeader(childLines) {
		return false, nil
	}
	tail, err := parentTail(parentPath, limit, includeToolResults)
	if err != nil {
		return false, fmt.Errorf("read parent transcript: %w", err)
	}
	hdr, err := json.Marshal(transcriptHeader{
		Type:      "header",
		SessionID: childSessionID,
		Parent:    string(parentKey),
		ForkedAt:  time.Now().UnixMilli(),
	})
	if err != nil {
		return false, err
	}
	merged := make([]string, 0, 1+len(tail)+len(childLines))
	merged = append(merged, string(hdr))
	merged = append(merged, tail...)
	merged = append(merged, childLines...)
	if err := writeTranscriptLines(childPath, merged); err != nil {
		return false, fmt.Errorf("write merged transcript: %w", err)
	}
	return true, nil
}

// CompactTranscript truncates a transcript to its last keep lines. The
// removed prefix is archived next to the transcript under an archive
// directory before the rewrite. It returns the number of removed lines.
// A transcript that was never written compacts to nothing.
func CompactTranscript(path string, keep int) (int, error) {
	lines, err := readTranscriptLines(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read transcript: %w", err)
	}
	if keep <= 0 || len(lines) <= keep {
		return 0, nil
	}
	cut := len(lines) - keep
	prefix, tail := lines[:cut], lines[cut:]

	archiveDir := filepath.Join(filepath.Dir(path), "archive")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return 0, fmt.Errorf("create archive dir: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	archivePath := filepath.Join(archiveDir, fmt.Sprintf("%s-%d.jsonl", base, time.Now().UnixMilli()))
	if err := writeTranscriptLines(archivePath, prefix); err != nil {
		return 0, fmt.Errorf("archive transcript prefix: %w", err)
	}
	if err := writeTranscriptLines(path, tail); err != nil {
		return 0, fmt.Errorf("rewrite transcript: %w", err)
	}
	return cut, nil
}
