// Package logtail scans growing log files for pattern matches, resuming from
// a persisted per-file cursor and detecting rotation and truncation.
package logtail

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/signalnine/nodepulse/internal/config"
	"github.com/signalnine/nodepulse/internal/logger"
	"github.com/signalnine/nodepulse/internal/protocol"
)

// MatchDelimiter joins the sampled lines of a match alert
const MatchDelimiter = "\n"

// MaxLineBytes caps the bytes buffered for one line. Longer lines are
// consumed without being matched.
const MaxLineBytes = 1 << 20

// Engine scans log sources against a StateStore
type Engine struct {
	store  StateStore
	log    *zap.SugaredLogger
	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	regexs map[string]*regexp.Regexp
}

// NewEngine creates an engine persisting cursors in store
func NewEngine(store StateStore, log *zap.SugaredLogger) *Engine {
	return &Engine{
		store:  store,
		log:    logger.OrNop(log),
		locks:  make(map[string]*sync.Mutex),
		regexs: make(map[string]*regexp.Regexp),
	}
}

// Scan runs every source and returns the resulting alerts in source order.
// Per-file failures become alerts; Scan only returns an error when ctx is done.
func (e *Engine) Scan(ctx context.Context, sources []config.LogSource) ([]protocol.AlertRecord, error) {
	var alerts []protocol.AlertRecord
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return alerts, err
		}
		alerts = append(alerts, e.ScanSource(src)...)
	}
	return alerts, nil
}

// ScanSource runs a single source
func (e *Engine) ScanSource(src config.LogSource) []protocol.AlertRecord {
	sourceType := protocol.LogAlertType(src.Name)

	re, err := e.compile(src.Regex)
	if err != nil {
		return []protocol.AlertRecord{{
			Type:        sourceType,
			Description: fmt.Sprintf("invalid regex %q for log source %s: %v", src.Regex, src.Name, err),
		}}
	}

	paths, err := resolve(src.PathPattern)
	if err != nil {
		return []protocol.AlertRecord{{
			Type:        sourceType,
			Description: fmt.Sprintf("bad path pattern %q for log source %s: %v", src.PathPattern, src.Name, err),
		}}
	}
	if len(paths) == 0 {
		e.log.Debugw("No files match pattern", "source", src.Name, "pattern", src.PathPattern)
		return []protocol.AlertRecord{{
			Type:        sourceType,
			Description: fmt.Sprintf("no files match pattern %s", src.PathPattern),
		}}
	}

	alerts := []protocol.AlertRecord{{
		Type:        sourceType,
		Description: fmt.Sprintf("%d file(s) match pattern %s", len(paths), src.PathPattern),
		Solved:      true,
	}}

	tail := src.TailLines
	if tail <= 0 {
		tail = config.DefaultTailLines
	}
	scannable, collisions := splitCollisions(src.Name, paths)
	for _, name := range sortedKeys(collisions) {
		e.log.Warnw("Log files share a logical name, not scanned", "file", name, "paths", collisions[name])
		alerts = append(alerts, protocol.AlertRecord{
			Type: protocol.LogAlertType(name),
			Description: fmt.Sprintf("files %s share logical name %s and are not scanned",
				strings.Join(collisions[name], ", "), name),
		})
	}
	for _, path := range scannable {
		alerts = append(alerts, e.scanFile(src.Name, path, re, tail)...)
	}
	return alerts
}

// splitCollisions separates the paths whose state key is unique within the
// source from those that would share one state file with another path
func splitCollisions(source string, paths []string) ([]string, map[string][]string) {
	byKey := make(map[string][]string)
	for _, path := range paths {
		key := SanitizeName(LogicalName(source, path))
		byKey[key] = append(byKey[key], path)
	}

	var unique []string
	collisions := make(map[string][]string)
	for _, path := range paths {
		key := SanitizeName(LogicalName(source, path))
		if len(byKey[key]) == 1 {
			unique = append(unique, path)
			continue
		}
		name := LogicalName(source, path)
		if _, seen := collisions[name]; !seen {
			collisions[name] = byKey[key]
		}
	}
	return unique, collisions
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LogicalName is the state and alert key of one resolved file
func LogicalName(source, path string) string {
	return source + ":" + filepath.Base(path)
}

func (e *Engine) scanFile(source, path string, re *regexp.Regexp, tail int) []protocol.AlertRecord {
	name := LogicalName(source, path)
	alertType := protocol.LogAlertType(name)

	unlock := e.lockFile(name)
	defer unlock()

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		e.log.Warnw("Logfile disappeared", "file", name, "path", path)
		return []protocol.AlertRecord{{
			Type:        alertType,
			Description: fmt.Sprintf("logfile %s disappeared", path),
		}}
	}
	if err != nil {
		return []protocol.AlertRecord{readFailure(alertType, path, err)}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return []protocol.AlertRecord{readFailure(alertType, path, err)}
	}
	if info.IsDir() {
		return []protocol.AlertRecord{{
			Type:        alertType,
			Description: fmt.Sprintf("logfile %s is a directory", path),
		}}
	}

	id, err := identityOf(f)
	if err != nil {
		return []protocol.AlertRecord{readFailure(alertType, path, err)}
	}

	prev, err := e.store.Load(name)
	if err != nil {
		e.log.Warnw("Unreadable log state, starting from scratch", "file", name, "error", err)
		prev = FileState{}
	}

	reset, reason := needsReset(prev, id, info.Size())
	start := prev.Offset
	if reset {
		start = 0
		e.log.Infow("Reading logfile from start", "file", name, "reason", reason,
			"old_offset", prev.Offset, "size", info.Size())
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return []protocol.AlertRecord{readFailure(alertType, path, err)}
	}

	matches, total, end, skipped, err := readMatches(f, start, re, tail)
	if err != nil {
		return []protocol.AlertRecord{readFailure(alertType, path, err)}
	}
	if skipped > 0 {
		e.log.Warnw("Skipped oversized log lines", "file", name, "lines", skipped, "limit", MaxLineBytes)
	}

	if err := e.store.Save(name, FileState{FileID: &id, Offset: end}); err != nil {
		e.log.Errorw("Failed to persist log state", "file", name, "error", err)
	}

	e.log.Debugw("Scanned logfile", "file", name, "from", start, "to", end, "matches", total)

	var alerts []protocol.AlertRecord
	if reset {
		alerts = append(alerts, protocol.AlertRecord{
			Type:        alertType,
			Description: fmt.Sprintf("logfile %s recovered", path),
			Solved:      true,
		})
	}
	if total > 0 {
		alerts = append(alerts, protocol.AlertRecord{
			Type:        alertType,
			Description: strings.Join(matches, MatchDelimiter),
		})
	}
	return alerts
}

// needsReset decides whether a file must be read from byte 0
func needsReset(prev FileState, id FileID, size int64) (bool, string) {
	switch {
	case prev.FileID == nil:
		return true, "no previous state"
	case *prev.FileID != id:
		return true, "file identity changed"
	case size < prev.Offset:
		return true, "file truncated"
	}
	return false, ""
}

// readMatches streams lines from r, which is positioned at start, and returns
// the last tail matching lines, the total match count, the offset just past
// the last newline-terminated line and the number of lines skipped for
// exceeding MaxLineBytes. A trailing line without a newline is left
// unconsumed.
func readMatches(r io.Reader, start int64, re *regexp.Regexp, tail int) ([]string, int, int64, int, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	offset := start
	var sample []string
	total, skipped := 0, 0

	var line []byte
	var lineLen int64
	for {
		frag, err := br.ReadSlice('\n')
		lineLen += int64(len(frag))
		if lineLen <= MaxLineBytes {
			line = append(line, frag...)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF {
			return sample, total, offset, skipped, nil
		}
		if err != nil {
			return nil, 0, 0, 0, err
		}

		offset += lineLen
		oversized := lineLen > MaxLineBytes
		text := strings.TrimRight(string(line), "\r\n")
		line, lineLen = line[:0], 0

		if oversized {
			skipped++
			continue
		}
		if !re.MatchString(text) {
			continue
		}
		total++
		sample = append(sample, text)
		if len(sample) > tail {
			sample = sample[len(sample)-tail:]
		}
	}
}

func readFailure(alertType, path string, err error) protocol.AlertRecord {
	return protocol.AlertRecord{
		Type:        alertType,
		Description: fmt.Sprintf("failed to read logfile %s: %v", path, err),
	}
}

// resolve expands a glob pattern to the matching non-directory paths, sorted.
// A pattern without glob metacharacters is returned as-is, existing or not.
func resolve(pattern string) ([]string, error) {
	if !hasMeta(pattern) {
		return []string{pattern}, nil
	}

	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, err
	}

	paths := matches[:0]
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.IsDir() {
			continue
		}
		paths = append(paths, m)
	}
	sort.Strings(paths)
	return paths, nil
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, `*?[{`)
}

func (e *Engine) compile(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		expr = config.DefaultLogRegex
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if re, ok := e.regexs[expr]; ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	e.regexs[expr] = re
	return re, nil
}

// lockFile serializes scans of one logical file so its state has a single writer
func (e *Engine) lockFile(name string) func() {
	e.mu.Lock()
	l, ok := e.locks[name]
	if !ok {
		l = &sync.Mutex{}
		e.locks[name] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}
