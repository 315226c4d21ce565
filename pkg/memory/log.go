package memory

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/hive/internal/observability"
	"github.com/harun/hive/internal/tracing"
	"github.com/harun/hive/pkg/events"
	"github.com/harun/hive/pkg/filelock"
	"github.com/harun/hive/pkg/storage"
)

// Category names a section of the memory log.
type Category string

const (
	Architecture Category = "architecture"
	Conventions  Category = "conventions"
	Knowledge    Category = "knowledge"
	Issues       Category = "issues"
)

// FileName is the conventional log name at a project root.
const FileName = "MEMORY.md"

// Categories lists every category in file order.
var Categories = []Category{Architecture, Conventions, Knowledge, Issues}

// ErrUnknownCategory is returned for category names outside Categories.
var ErrUnknownCategory = errors.New("unknown memory category")

// ParseCategory validates a category name, case-insensitively.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Categories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

// Heading returns the section header for c.
func (c Category) Heading() string {
	return "## " + strings.ToUpper(string(c[:1])) + string(c[1:])
}

// Entry is one parsed log line.
type Entry struct {
	Time     time.Time
	Agent    string
	Text     string
	Category Category
}

var entryPattern = regexp.MustCompile(`^- \[([^\]]+)\] \(([^)]*)\) (.*)$`)

// Config configures a Log.
type Config struct {
	Store     storage.KeyValueStore
	Locker    *filelock.Locker
	Path      string
	Lock      filelock.Options
	Publisher events.Publisher
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Log is the shared memory log.
type Log struct {
	store  storage.KeyValueStore
	locker *filelock.Locker
	path   string
	opts   filelock.Options
	pub    events.Publisher
	logger zerolog.Logger
	now    func() time.Time
}

// NewLog creates a Log over cfg.Store at cfg.Path.
func NewLog(cfg Config) *Log {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Log{
		store:  cfg.Store,
		locker: cfg.Locker,
		path:   cfg.Path,
		opts:   cfg.Lock,
		pub:    events.OrNop(cfg.Publisher),
		logger: cfg.Logger,
		now:    cfg.Now,
	}
}

// Path returns the log's storage key.
func (l *Log) Path() string { return l.path }

// Append adds one timestamped entry to the end of category's section.
func (l *Log) Append(ctx context.Context, category Category, agent, text string) error {
	if _, err := ParseCategory(string(category)); err != nil {
		return err
	}
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return fmt.Errorf("memory entry is empty")
	}
	if agent == "" {
		agent = "unknown"
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerAgent, "memory.append")
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	line := fmt.Sprintf("- [%s] (%s) %s", l.now().UTC().Format(time.RFC3339), agent, text)

	err = l.locker.WithLock(ctx, l.path, l.opts, func() error {
		doc, err := l.load(ctx)
		if err != nil {
			return err
		}
		return l.store.Put(ctx, l.path, []byte(insertEntry(doc, category, line)))
	})
	if err != nil {
		return fmt.Errorf("failed to append memory entry: %w", err)
	}

	observability.RecordMemoryWrite(string(category))
	logger := tracing.LoggerFromContext(ctx, l.logger)
	logger.Debug().
		Str("category", string(category)).
		Str("agent", agent).
		Msg("Memory entry appended")
	l.pub.Publish(events.Event{
		Type:    events.MemoryUpdated,
		AgentID: agent,
		Data:    map[string]any{"category": string(category), "path": l.path},
	})
	return nil
}

// Read returns the whole document, or only one section's body when category
// is non-empty. A missing log reads as the empty template.
func (l *Log) Read(ctx context.Context, category Category) (string, error) {
	doc, err := l.load(ctx)
	if err != nil {
		return "", err
	}
	if category == "" {
		return doc, nil
	}
	if _, err := ParseCategory(string(category)); err != nil {
		return "", err
	}
	lines := strings.Split(doc, "\n")
	start, end := sectionBounds(lines, category)
	if start < 0 {
		return "", nil
	}
	return strings.TrimSpace(strings.Join(lines[start+1:end], "\n")), nil
}

// Entries parses the entries of category, or of every category when empty.
func (l *Log) Entries(ctx context.Context, category Category) ([]Entry, error) {
	doc, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(doc, "\n")

	cats := Categories
	if category != "" {
		cats = []Category{category}
	}

	var out []Entry
	for _, c := range cats {
		start, end := sectionBounds(lines, c)
		if start < 0 {
			continue
		}
		for _, line := range lines[start+1 : end] {
			m := entryPattern.FindStringSubmatch(strings.TrimSpace(line))
			if m == nil {
				continue
			}
			ts, err := time.Parse(time.RFC3339, m[1])
			if err != nil {
				continue
			}
			out = append(out, Entry{Time: ts, Agent: m[2], Text: m[3], Category: c})
		}
	}
	return out, nil
}

func (l *Log) load(ctx context.Context) (string, error) {
	raw, err := l.store.Get(ctx, l.path)
	if errors.Is(err, storage.ErrNotFound) {
		return Template(), nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read memory log: %w", err)
	}
	return string(raw), nil
}

// Template returns an empty log with every section header.
func Template() string {
	var b strings.Builder
	b.WriteString("# Project Memory\n")
	for _, c := range Categories {
		b.WriteString("\n")
		b.WriteString(c.Heading())
		b.WriteString("\n")
	}
	return b.String()
}

// sectionBounds returns the header index of category and the index of the
// next header (or len(lines)). start is -1 when the section is missing.
func sectionBounds(lines []string, category Category) (start, end int) {
	heading := strings.ToLower(category.Heading())
	start = -1
	for i, line := range lines {
		if strings.ToLower(strings.TrimSpace(line)) == heading {
			start = i
			break
		}
	}
	if start < 0 {
		return -1, -1
	}
	end = len(lines)
	for i := start + 1; i < len(lines); i++ {
		if strings.HasPrefix(lines[i], "## ") {
			end = i
			break
		}
	}
	return start, end
}

func insertEntry(doc string, category Category, line string) string {
	lines := strings.Split(strings.TrimRight(doc, "\n"), "\n")
	start, end := sectionBounds(lines, category)
	if start < 0 {
		return strings.TrimRight(doc, "\n") + "\n\n" + category.Heading() + "\n" + line + "\n"
	}

	// Drop trailing blank lines of the section so entries stay contiguous.
	last := end
	for last > start+1 && strings.TrimSpace(lines[last-1]) == "" {
		last--
	}

	out := make([]string, 0, len(lines)+2)
	out = append(out, lines[:last]...)
	out = append(out, line)
	if end < len(lines) {
		out = append(out, "")
		out = append(out, lines[end:]...)
	}
	return strings.Join(out, "\n") + "\n"
}
