// Package transcript reconstructs a session from the agent's JSONL transcript
// file. It backs the reconciliation trigger.
package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PratikDhanave/hook-ingestion-service/internal/models"
	"github.com/PratikDhanave/hook-ingestion-service/internal/naturalkey"
)

// ErrNotFound is returned when no transcript exists for the session.
var ErrNotFound = errors.New("transcript not found")

// jsonRow represents a single line from a JSONL session log.
type jsonRow struct {
	Type              string          `json:"type"`
	Timestamp         string          `json:"timestamp"`
	SessionID         string          `json:"sessionId"`
	IsMeta            bool            `json:"isMeta"`
	IsApiErrorMessage *bool           `json:"isApiErrorMessage"`
	Message           *messageWrapper `json:"message"`
}

type messageWrapper struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// FileParser reads <Root>/<project>/<sessionId>.jsonl.
type FileParser struct {
	Root string
}

// NewFileParser returns a parser rooted at root.
func NewFileParser(root string) *FileParser {
	return &FileParser{Root: root}
}

// Parse locates and parses the transcript of sessionID. Safe to call any
// number of times for the same session.
func (p *FileParser) Parse(ctx context.Context, sessionID string) (models.Transcript, error) {
	path, err := p.locate(sessionID)
	if err != nil {
		return models.Transcript{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return models.Transcript{}, err
	}
	defer f.Close()

	tr, err := ParseReader(ctx, f)
	tr.SessionID = sessionID
	return tr, err
}

func (p *FileParser) locate(sessionID string) (string, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || strings.Contains(sessionID, "..") {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	matches, err := filepath.Glob(filepath.Join(p.Root, "*", sessionID+".jsonl"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		direct := filepath.Join(p.Root, sessionID+".jsonl")
		if _, err := os.Stat(direct); err == nil {
			return direct, nil
		}
		return "", fmt.Errorf("%w: session %s under %s", ErrNotFound, sessionID, p.Root)
	}
	return matches[0], nil
}

// ParseReader parses JSONL rows in order. Malformed lines are skipped.
func ParseReader(ctx context.Context, r io.Reader) (models.Transcript, error) {
	var tr models.Transcript
	toolIndex := map[string]int{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return tr, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row jsonRow
		if err := json.Unmarshal(line, &row); err != nil {
			continue
		}
		if row.Message == nil || row.IsMeta {
			continue
		}
		ts := parseTimestamp(row.Timestamp)

		switch row.Type {
		case "user":
			if text, ok := humanPromptText(row.Message.Content); ok {
				tr.Turns = append(tr.Turns, turn("user", text, ts))
			}
			for _, b := range blocks(row.Message.Content) {
				if b.Type != "tool_result" || b.ToolUseID == "" {
					continue
				}
				key := naturalkey.ToolUse(b.ToolUseID)
				i, ok := toolIndex[key]
				if !ok {
					continue
				}
				tr.ToolUses[i].Result = b.Content
				tr.ToolUses[i].Success = !b.IsError
			}

		case "assistant":
			if row.IsApiErrorMessage != nil && *row.IsApiErrorMessage {
				continue
			}
			var texts []string
			for _, b := range blocks(row.Message.Content) {
				switch b.Type {
				case "text":
					if strings.TrimSpace(b.Text) != "" {
						texts = append(texts, b.Text)
					}
				case "tool_use":
					key := naturalkey.ToolUse(b.ID)
					if key == "" {
						continue
					}
					if _, seen := toolIndex[key]; seen {
						continue
					}
					toolIndex[key] = len(tr.ToolUses)
					tr.ToolUses = append(tr.ToolUses, models.TranscriptToolUse{
						Key:      key,
						ToolName: b.Name,
						Params:   b.Input,
						Success:  true,
					})
				}
			}
			if s, ok := plainString(row.Message.Content); ok && strings.TrimSpace(s) != "" {
				texts = append(texts, s)
			}
			if len(texts) > 0 {
				tr.Turns = append(tr.Turns, turn("assistant", strings.Join(texts, "\n"), ts))
			}
		}
	}
	return tr, scanner.Err()
}

func turn(role, content string, ts time.Time) models.Turn {
	return models.Turn{
		Key:       naturalkey.Message(role, content),
		Role:      role,
		Content:   content,
		Timestamp: ts,
	}
}

// humanPromptText returns the prompt text of a user row that is a human
// prompt rather than a batch of tool results.
func humanPromptText(raw json.RawMessage) (string, bool) {
	if s, ok := plainString(raw); ok {
		return s, strings.TrimSpace(s) != ""
	}
	bs := blocks(raw)
	var parts []string
	for _, b := range bs {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, b.Text)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

func plainString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func blocks(raw json.RawMessage) []contentBlock {
	var bs []contentBlock
	if err := json.Unmarshal(raw, &bs); err != nil {
		return nil
	}
	return bs
}

func parseTimestamp(ts string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
