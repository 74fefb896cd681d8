package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/user/sentinel/internal/errs"
	"github.com/user/sentinel/internal/frequency"
	"github.com/user/sentinel/internal/hackernews"
	"github.com/user/sentinel/pkg/logger"
)

// Format is an export file format.
type Format string

const (
	FormatMarkdown Format = "md"
	FormatJSON     Format = "json"
)

// ParseFormat validates an export format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatMarkdown:
		return FormatMarkdown, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", errs.Validation("unknown export format %q", s)
	}
}

// maxSuffix bounds the collision search.
const maxSuffix = 1000

// Exporter writes reports below a root directory. Existing files are never
// overwritten; a numeric suffix is appended instead.
type Exporter struct {
	root   string
	format Format
	loc    *time.Location
}

// NewExporter creates an exporter rooted at root.
func NewExporter(root string, format Format, loc *time.Location) (*Exporter, error) {
	if root == "" {
		return nil, errs.Validation("export root is empty")
	}
	f, err := ParseFormat(string(format))
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}
	return &Exporter{root: root, format: f, loc: loc}, nil
}

// Root returns the export directory.
func (e *Exporter) Root() string { return e.root }

// Export writes rep and returns the created file path.
func (e *Exporter) Export(rep *Report) (string, error) {
	dir, base := e.target(rep)
	data, err := e.encode(rep)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	for i := 0; i < maxSuffix; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s-%d", base, i)
		}
		path := filepath.Join(dir, name+"."+string(e.format))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create export file: %w", err)
		}
		_, werr := f.Write(data)
		cerr := f.Close()
		if err := errors.Join(werr, cerr); err != nil {
			return "", fmt.Errorf("write export file %s: %w", path, err)
		}
		logger.Info().Str("task_id", rep.TaskID).Str("path", path).Msg("Report exported")
		return path, nil
	}
	return "", fmt.Errorf("no free export name for %s in %s", base, dir)
}

func (e *Exporter) target(rep *Report) (dir, base string) {
	date := rep.GeneratedAt.In(e.loc).Format(frequency.DateLayout)
	if rep.IsHackerNews() {
		return filepath.Join(e.root, hackernews.TaskID), hackernews.TaskID + "_" + date
	}
	dir = filepath.Join(e.root, rep.Owner, rep.Repo)
	if rep.Range != nil {
		return dir, rep.Range.Start + "_" + rep.Range.End
	}
	return dir, date
}

type exported struct {
	Title       string    `json:"title"`
	TaskID      string    `json:"task_id"`
	Report      string    `json:"report"`
	GeneratedAt time.Time `json:"generated_at"`
	RunID       string    `json:"run_id,omitempty"`
}

func (e *Exporter) encode(rep *Report) ([]byte, error) {
	if e.format == FormatMarkdown {
		return []byte(rep.Body), nil
	}
	data, err := json.MarshalIndent(exported{
		Title:       rep.Title,
		TaskID:      rep.TaskID,
		Report:      rep.Body,
		GeneratedAt: rep.GeneratedAt,
		RunID:       rep.RunID,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return append(data, '\n'), nil
}
