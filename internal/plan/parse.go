package plan

import (
	"bytes"
	"fmt"
	"regexp"

	"github.com/Iron-Ham/controlroom/internal/errors"
)

var (
	// itemPattern matches a bullet, a hierarchical id, a title and a trailing
	// [status] marker. The title is lazy so the marker is always the last
	// bracket on the line.
	itemPattern = regexp.MustCompile(`^\s*[-*+]\s+(\d+(?:\.\d+)*)\.?\s+(.*?)\s*\[([A-Za-z][A-Za-z _-]*)\]\s*$`)

	phasePattern   = headingPattern("phase")
	sectionPattern = headingPattern("section")
)

func headingPattern(keyword string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)^#{2,3}\s+` + keyword + `\s+([0-9a-z]+(?:[._][0-9a-z]+)*)\s*(?:[:.-]\s*)?(.*?)\s*$`)
}

// line is a single document line. start and end are byte offsets into the
// document, excluding the line terminator.
type line struct {
	num        int
	start, end int
}

// splitLines indexes every line of text. A trailing "\r" is excluded from
// the line so CRLF documents round-trip unchanged.
func splitLines(text []byte) []line {
	var lines []line
	start := 0
	for num := 1; start <= len(text); num++ {
		idx := bytes.IndexByte(text[start:], '\n')
		end := len(text)
		next := len(text) + 1
		if idx >= 0 {
			end = start + idx
			next = end + 1
		}
		contentEnd := end
		if contentEnd > start && text[contentEnd-1] == '\r' {
			contentEnd--
		}
		lines = append(lines, line{num: num, start: start, end: contentEnd})
		start = next
	}
	return lines
}

// item is a matched task or step line.
type item struct {
	id     string
	title  string
	status string // normalized status word
	line   int
	// markerStart and markerEnd bound the raw status word inside the brackets.
	markerStart, markerEnd int
}

// group is a matched phase or section heading with its items.
type group struct {
	id    string
	title string
	line  int
	items []item
}

// eachContentLine calls fn for every line outside fenced code blocks.
func eachContentLine(text []byte, fn func(l line, content []byte) error) error {
	inFence := false
	for _, l := range splitLines(text) {
		content := text[l.start:l.end]
		if bytes.HasPrefix(bytes.TrimSpace(content), []byte("```")) {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if err := fn(l, content); err != nil {
			return err
		}
	}
	return nil
}

func matchItem(l line, content []byte) (item, bool) {
	m := itemPattern.FindSubmatchIndex(content)
	if m == nil {
		return item{}, false
	}
	return item{
		id:          string(content[m[2]:m[3]]),
		title:       string(content[m[4]:m[5]]),
		status:      normalizeStatus(string(content[m[6]:m[7]])),
		line:        l.num,
		markerStart: l.start + m[6],
		markerEnd:   l.start + m[7],
	}, true
}

// scan walks a document and groups items under headings matched by heading.
// valid checks a normalized status word against the document's vocabulary.
func scan(text []byte, heading *regexp.Regexp, kind string, valid func(string) bool) ([]group, error) {
	var groups []group
	seen := make(map[string]int)

	err := eachContentLine(text, func(l line, content []byte) error {
		if m := heading.FindSubmatch(content); m != nil {
			groups = append(groups, group{
				id:    string(m[1]),
				title: string(m[2]),
				line:  l.num,
			})
			return nil
		}

		it, ok := matchItem(l, content)
		if !ok {
			return nil
		}
		if !valid(it.status) {
			return errors.NewParseError(fmt.Sprintf("unknown status %q for %s", it.status, it.id), l.num)
		}
		if len(groups) == 0 {
			return errors.NewParseError(fmt.Sprintf("%s appears before any %s heading", it.id, kind), l.num)
		}
		if first, dup := seen[it.id]; dup {
			return errors.NewParseError(fmt.Sprintf("duplicate id %s (first on line %d)", it.id, first), l.num)
		}
		seen[it.id] = l.num

		g := &groups[len(groups)-1]
		g.items = append(g.items, it)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// Parse parses a plan document. path is recorded on the result and on any
// ParseError.
func Parse(path string, text []byte) (*Plan, error) {
	groups, err := scan(text, phasePattern, "phase", func(s string) bool {
		return TaskStatus(s).Valid()
	})
	if err != nil {
		return nil, withPath(err, path)
	}

	p := &Plan{Path: path, Hash: HashBytes(text)}
	for _, g := range groups {
		ph := Phase{ID: g.id, Title: g.title, Line: g.line}
		for _, it := range g.items {
			ph.Tasks = append(ph.Tasks, Task{
				ID:     it.id,
				Title:  it.title,
				Status: TaskStatus(it.status),
				Line:   it.line,
			})
		}
		p.Phases = append(p.Phases, ph)
	}
	return p, nil
}

// ParseTestPlan parses a test plan document.
func ParseTestPlan(path string, text []byte) (*TestPlan, error) {
	groups, err := scan(text, sectionPattern, "section", func(s string) bool {
		return StepStatus(s).Valid()
	})
	if err != nil {
		return nil, withPath(err, path)
	}

	tp := &TestPlan{Path: path, Hash: HashBytes(text)}
	for _, g := range groups {
		sec := TestSection{ID: g.id, Title: g.title, Line: g.line}
		for _, it := range g.items {
			sec.Steps = append(sec.Steps, TestStep{
				ID:     it.id,
				Title:  it.title,
				Status: StepStatus(it.status),
				Line:   it.line,
			})
		}
		tp.Sections = append(tp.Sections, sec)
	}
	return tp, nil
}

func withPath(err error, path string) error {
	var perr *errors.ParseError
	if errors.As(err, &perr) && path != "" {
		return perr.WithPath(path)
	}
	return err
}
