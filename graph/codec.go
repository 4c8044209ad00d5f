package graph

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"github.com/warriorguo/taskgraph/types"
)

const (
	// TaskContextIDAttr is the only vertex attribute the snapshot carries.
	TaskContextIDAttr = "ctxid"

	idAttr = "ID"

	graphHeader = "strict digraph G {"
	graphFooter = "}"
)

/**
 * Encode writes g as a DOT document:
 *
 *   strict digraph G {
 *     1 [ ctxid="1" ];
 *     2 [ ctxid="1,2#1" ];
 *     1 -> 2;
 *   }
 *
 * Vertices and edges keep their insertion order so the output is deterministic.
 */
func Encode(g *ExecutionGraph) string {
	sb := &strings.Builder{}
	sb.WriteString(graphHeader + "\n")
	for _, v := range g.vertices {
		sb.WriteString(fmt.Sprintf("  %d [ %s=%s ];\n", v.TaskID, TaskContextIDAttr, quoteValue(v.TaskContextID)))
	}
	for _, e := range g.edges {
		sb.WriteString(fmt.Sprintf("  %d -> %d;\n", g.vertices[e.from].TaskID, g.vertices[e.to].TaskID))
	}
	sb.WriteString(graphFooter + "\n")
	return sb.String()
}

// Decode parses the output of Encode. Unknown vertex attributes are logged
// and ignored, a missing or unparseable task id fails the whole decode.
func Decode(s string) (*ExecutionGraph, error) {
	g := New()
	d := &decoder{g: g}
	if err := d.decode(s); err != nil {
		return nil, errors.Trace(err)
	}
	if err := g.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return g, nil
}

type decoder struct {
	g *ExecutionGraph

	opened bool
	closed bool
	lineNo int
}

func (d *decoder) decode(s string) error {
	for _, line := range strings.Split(s, "\n") {
		d.lineNo++
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		if err := d.decodeLine(line); err != nil {
			return errors.Trace(err)
		}
	}
	if !d.opened || !d.closed {
		return types.NewIntegrityErrorf("graph snapshot is not a complete digraph document")
	}
	return nil
}

func (d *decoder) decodeLine(line string) error {
	switch {
	case !d.opened:
		if !isHeader(line) {
			return d.errorf("expect digraph header, got %q", line)
		}
		d.opened = true
		return nil

	case d.closed:
		return d.errorf("unexpected content after closing brace: %q", line)

	case line == graphFooter:
		d.closed = true
		return nil
	}

	line = strings.TrimSuffix(line, ";")
	body, attrs, err := splitAttrs(line)
	if err != nil {
		return d.errorf("%v", err)
	}

	if from, to, isEdge := strings.Cut(body, "->"); isEdge {
		return d.decodeEdge(from, to)
	}
	return d.decodeVertex(body, attrs)
}

func (d *decoder) decodeVertex(id string, attrs map[string]string) error {
	taskID, err := parseTaskID(id)
	if err != nil {
		return d.errorf("%v", err)
	}
	v := types.TaskVertex{TaskID: taskID}
	for key, value := range attrs {
		switch key {
		case TaskContextIDAttr:
			v.TaskContextID = value
		case idAttr:
			// vertex key already is the id
		default:
			log.Errorf("unknown attribute in task graph, task: %d, attr: %s, value: %s", taskID, key, value)
		}
	}
	return errors.Trace(d.g.AddVertex(v))
}

func (d *decoder) decodeEdge(from, to string) error {
	fromID, err := parseTaskID(from)
	if err != nil {
		return d.errorf("%v", err)
	}
	toID, err := parseTaskID(to)
	if err != nil {
		return d.errorf("%v", err)
	}
	// DOT declares vertices implicitly through edges
	for _, id := range []int64{fromID, toID} {
		if !d.g.Contains(id) {
			if err := d.g.AddVertex(types.TaskVertex{TaskID: id}); err != nil {
				return errors.Trace(err)
			}
		}
	}
	return errors.Trace(d.g.AddEdge(fromID, toID))
}

func (d *decoder) errorf(format string, args ...interface{}) error {
	return types.NewIntegrityErrorf("graph snapshot line %d: %s", d.lineNo, fmt.Sprintf(format, args...))
}

func isHeader(line string) bool {
	fields := strings.Fields(line)
	if len(fields) > 0 && fields[0] == "strict" {
		fields = fields[1:]
	}
	if len(fields) < 2 || fields[0] != "digraph" || fields[len(fields)-1] != "{" {
		return false
	}
	return len(fields) <= 3
}

func parseTaskID(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "\""), "\"")
	if s == "" {
		return 0, errors.NotValidf("empty task id")
	}
	digits := strings.TrimPrefix(s, "-")
	if digits == "" || strings.TrimLeft(digits, "0123456789") != "" {
		return 0, errors.NotValidf("task id %q", s)
	}
	// cast treats a leading zero as an octal prefix
	if trimmed := strings.TrimLeft(digits, "0"); trimmed != digits {
		if trimmed == "" {
			trimmed = "0"
		}
		s = strings.TrimSuffix(s, digits) + trimmed
	}
	id, err := cast.ToInt64E(s)
	if err != nil {
		return 0, errors.NotValidf("task id %q", s)
	}
	return id, nil
}

// splitAttrs splits `body [ k="v" k2=v2 ]` into body and attribute map.
func splitAttrs(line string) (string, map[string]string, error) {
	open := strings.IndexByte(line, '[')
	if open < 0 {
		return strings.TrimSpace(line), nil, nil
	}
	if !strings.HasSuffix(line, "]") {
		return "", nil, errors.NotValidf("attribute list of %q", line)
	}
	attrs, err := parseAttrList(line[open+1 : len(line)-1])
	if err != nil {
		return "", nil, errors.Trace(err)
	}
	return strings.TrimSpace(line[:open]), attrs, nil
}

func parseAttrList(s string) (map[string]string, error) {
	attrs := make(map[string]string)
	for {
		s = strings.TrimLeft(s, " \t,;")
		if s == "" {
			return attrs, nil
		}
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return nil, errors.NotValidf("attribute %q", s)
		}
		key := strings.TrimSpace(s[:eq])
		s = strings.TrimLeft(s[eq+1:], " \t")

		var value string
		if strings.HasPrefix(s, "\"") {
			v, rest, err := unquoteValue(s)
			if err != nil {
				return nil, errors.Trace(err)
			}
			value, s = v, rest
		} else {
			end := strings.IndexAny(s, " \t,;")
			if end < 0 {
				end = len(s)
			}
			value, s = s[:end], s[end:]
		}
		attrs[key] = value
	}
}

func quoteValue(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return "\"" + strings.ReplaceAll(s, "\"", "\\\"") + "\""
}

// unquoteValue reads a quoted value from the head of s and returns the rest.
func unquoteValue(s string) (string, string, error) {
	sb := &strings.Builder{}
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 < len(s) && s[i+1] == 'n' {
				i++
				sb.WriteByte('\n')
				continue
			}
			if i+1 < len(s) && (s[i+1] == '"' || s[i+1] == '\\') {
				i++
			}
			sb.WriteByte(s[i])
		case '"':
			return sb.String(), s[i+1:], nil
		default:
			sb.WriteByte(s[i])
		}
	}
	return "", "", errors.NotValidf("unterminated quoted value %q", s)
}
