package netbeans

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	eventLineRe = regexp.MustCompile(`^(\d+):([A-Za-z]+)=(\d+)\s*(.*)$`)
	replyLineRe = regexp.MustCompile(`^(\d+)\s*(.*)$`)

	fileOpenedArgsRe = regexp.MustCompile(`^\s*"(.*)"\s+([TF])\s+([TF])\s*$`)
	insertArgsRe     = regexp.MustCompile(`^\s*(\d+)\s"(.*)"$`)
	versionArgsRe    = regexp.MustCompile(`^\s*"(.*)"$`)

	trueFalse = map[string]bool{"T": true, "F": false}
)

// Handler receives events once the EventStack they were enqueued on is
// drained. It mirrors the original NetBeansEvents interface exactly.
type Handler interface {
	OnFileOpened(ev Event)
	OnInsert(ev Event)
	OnVersion(ev Event)
	OnStartupDone(ev Event)
	OnKilled(ev Event)
	OnDisconnect(ev Event)
}

// ReplyHandler is invoked once per matched REPLY line with the raw,
// space-delimited argument string; seq lookup and one-shot removal are the
// caller's (Engine's) responsibility.
type ReplyHandler func(seq SeqID, args string)

// Parser is a stateless line-oriented classifier for the NetBeans wire
// protocol. It recognizes EVENT lines (bufId:name=seq args) and REPLY
// lines (seq args); anything else is logged and dropped.
type Parser struct {
	log *logrus.Entry
}

// NewParser builds a Parser that logs unmatched/malformed input via log.
func NewParser(log *logrus.Entry) *Parser {
	return &Parser{log: log}
}

// Parse splits data on LF, classifies each non-empty trimmed line, and
// either enqueues a deferred event callback on stack (calling into
// handler once the caller drains the stack) or invokes onReply
// synchronously — replies are not deferred, only events are, per the
// engine's consistent-snapshot requirement.
func (p *Parser) Parse(data []byte, stack *EventStack, handler Handler, onReply ReplyHandler) {
	for _, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		if m := eventLineRe.FindStringSubmatch(line); m != nil {
			p.handleEventLine(m, stack, handler)
			continue
		}
		if m := replyLineRe.FindStringSubmatch(line); m != nil {
			seq, err := strconv.Atoi(m[1])
			if err != nil {
				p.log.WithField("line", line).Debug("netbeans: nothing matched")
				continue
			}
			onReply(SeqID(seq), m[2])
			continue
		}

		p.log.WithField("line", line).Debug("netbeans: nothing matched")
	}
}

func (p *Parser) handleEventLine(m []string, stack *EventStack, handler Handler) {
	bufIDInt, err := strconv.Atoi(m[1])
	if err != nil {
		p.log.WithField("line", m[0]).Error("netbeans: malformed event envelope")
		return
	}
	bufID := BufferID(bufIDInt)
	eventName := m[2]
	args := m[4]

	switch eventName {
	case "fileOpened":
		mm := fileOpenedArgsRe.FindStringSubmatch(args)
		if mm == nil {
			p.log.WithField("args", args).Error("netbeans: fileOpened args did not match")
			return
		}
		ev := Event{
			Kind:     EventFileOpened,
			BufID:    bufID,
			Filename: mm[1],
			Opened:   trueFalse[mm[2]],
			Modified: trueFalse[mm[3]],
		}
		stack.Add(func() { handler.OnFileOpened(ev) })

	case "insert":
		mm := insertArgsRe.FindStringSubmatch(args)
		if mm == nil {
			p.log.WithField("args", args).Error("netbeans: insert args did not match")
			return
		}
		offset, err := strconv.Atoi(mm[1])
		if err != nil {
			p.log.WithField("args", args).Error("netbeans: insert offset not numeric")
			return
		}
		ev := Event{
			Kind:   EventInsert,
			BufID:  bufID,
			Offset: offset,
			Text:   unescapeText(mm[2]),
		}
		stack.Add(func() { handler.OnInsert(ev) })

	case "version":
		mm := versionArgsRe.FindStringSubmatch(args)
		if mm == nil {
			p.log.WithField("args", args).Error("netbeans: version args did not match")
			return
		}
		ev := Event{Kind: EventVersion, BufID: bufID, VersionText: mm[1]}
		stack.Add(func() { handler.OnVersion(ev) })

	case "startupDone":
		ev := Event{Kind: EventStartupDone, BufID: bufID}
		stack.Add(func() { handler.OnStartupDone(ev) })

	case "killed":
		ev := Event{Kind: EventKilled, BufID: bufID}
		stack.Add(func() { handler.OnKilled(ev) })

	case "disconnect":
		ev := Event{Kind: EventDisconnect, BufID: bufID}
		stack.Add(func() { handler.OnDisconnect(ev) })

	default:
		p.log.WithField("event", eventName).Debug("netbeans: event not implemented")
	}
}

// unescapeText reverses the two escape sequences the editor applies to
// insert-event text, in the order the original implementation applies
// them: \" before \\.
func unescapeText(s string) string {
	s = strings.ReplaceAll(s, `\"`, `"`)
	s = strings.ReplaceAll(s, `\\`, `\`)
	return s
}

// escapeText is the inverse, applied to outbound insert() text: \\ before
// \" (escaping the backslash first prevents double-escaping the quote's
// own backslash).
func escapeText(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
