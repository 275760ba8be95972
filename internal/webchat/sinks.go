package webchat

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

var bracketed = regexp.MustCompile(`\[(.*?)\]`)

func ensureDir(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}

// AppendOpenChatbot appends url as one line to the file at path.
func AppendOpenChatbot(path, url string) error {
	if err := ensureDir(path); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	if _, err := fmt.Fprintln(f, url); err != nil {
		f.Close()
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}
	return f.Close()
}

var knowledgeHeader = []string{"URL", "Has Knowledge", "Titles", "Chatbot Response"}

// KnowledgeCSV appends knowledge results to a CSV file, writing the header
// when the file is new.
type KnowledgeCSV struct {
	mu   sync.Mutex
	f    *os.File
	w    *csv.Writer
	path string
}

// OpenKnowledgeCSV opens or creates the results file at path.
func OpenKnowledgeCSV(path string) (*KnowledgeCSV, error) {
	if err := ensureDir(path); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	_, statErr := os.Stat(path)
	fresh := errors.Is(statErr, os.ErrNotExist)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	k := &KnowledgeCSV{f: f, w: csv.NewWriter(f), path: path}
	if fresh {
		if err := k.w.Write(knowledgeHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write header to %s: %w", path, err)
		}
	}
	return k, nil
}

// Write appends one result and flushes it to disk.
func (k *KnowledgeCSV) Write(r KnowledgeResult) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	has := "No"
	if r.HasKnowledge {
		has = "Yes"
	}
	if err := k.w.Write([]string{r.URL, has, strings.Join(r.Titles, "; "), r.Response}); err != nil {
		return fmt.Errorf("failed to write result for %s: %w", r.URL, err)
	}
	k.w.Flush()
	return k.w.Error()
}

// Close flushes and closes the file.
func (k *KnowledgeCSV) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.w.Flush()
	if err := k.w.Error(); err != nil {
		k.f.Close()
		return err
	}
	return k.f.Close()
}
