// Package command parses raw chat messages into typed file-store commands.
//
// Parsing is total: text that matches no grammar becomes an Unrecognized
// command rather than an error, so the dispatcher can always answer with
// guidance instead of failing the message.
package command

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind identifies the command variant.
type Kind string

const (
	KindList         Kind = "LIST"
	KindDelete       Kind = "DELETE"
	KindMove         Kind = "MOVE"
	KindSummary      Kind = "SUMMARY"
	KindHelp         Kind = "HELP"
	KindConfirmReply Kind = "CONFIRM"
	KindUnrecognized Kind = "UNRECOGNIZED"
)

// Command is the parse result. Values are immutable once constructed.
type Command struct {
	Kind Kind

	// Path is the primary target path (List, Delete, Summary, Move source).
	Path string

	// DestPath is the destination path for Move.
	DestPath string

	// Code is the confirmation code for ConfirmReply.
	Code string

	// RawText is the original message text, preserved for Unrecognized
	// replies and audit detail.
	RawText string
}

// Destructive reports whether the command changes remote state and therefore
// requires a confirmation handshake before execution.
func (c Command) Destructive() bool {
	return c.Kind == KindDelete || c.Kind == KindMove
}

// TargetPath returns the path the command acts on (the source path for Move,
// empty for commands without a target).
func (c Command) TargetPath() string {
	return c.Path
}

// Describe returns a short human-readable description of the command,
// used in confirmation prompts and audit notices.
func (c Command) Describe() string {
	switch c.Kind {
	case KindList:
		return fmt.Sprintf("list %s", c.Path)
	case KindDelete:
		return fmt.Sprintf("delete %s", c.Path)
	case KindMove:
		return fmt.Sprintf("move %s to %s", c.Path, c.DestPath)
	case KindSummary:
		return fmt.Sprintf("summarize %s", c.Path)
	default:
		return strings.ToLower(string(c.Kind))
	}
}

// confirmCodeRe matches the shape of a confirmation code as issued by the
// confirm package: exactly 12 hex characters, nothing else in the message.
var confirmCodeRe = regexp.MustCompile(`^[0-9a-fA-F]{12}$`)

// rule is one grammar rule: a predicate+extractor evaluated against the
// trimmed message.  The first rule that returns ok wins.
type rule func(text string) (Command, bool)

// rules are evaluated in priority order. Keyword rules come first so a
// message with a recognized keyword prefix is never mistaken for a
// confirmation code; the catch-all Unrecognized rule is appended by Parse.
var rules = []rule{
	parseHelp,
	parseList,
	parseDelete,
	parseMove,
	parseSummary,
	parseConfirmReply,
}

// Parse converts a raw message into a Command. It never fails: text that
// matches no grammar rule yields Kind == KindUnrecognized.
func Parse(rawText string) Command {
	text := strings.TrimSpace(rawText)

	for _, r := range rules {
		if cmd, ok := r(text); ok {
			cmd.RawText = text
			return cmd
		}
	}

	return Command{Kind: KindUnrecognized, RawText: text}
}

// keywordArg splits text into a leading keyword and its argument remainder.
// Matching is case-insensitive; the argument may contain spaces.  ok is false
// when the text does not start with any of the keywords.
func keywordArg(text string, keywords ...string) (arg string, ok bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", false
	}
	first := strings.ToLower(fields[0])
	for _, kw := range keywords {
		if first == kw {
			return strings.TrimSpace(text[len(fields[0]):]), true
		}
	}
	return "", false
}

func parseHelp(text string) (Command, bool) {
	switch strings.ToLower(text) {
	case "help", "?", "commands":
		return Command{Kind: KindHelp}, true
	}
	return Command{}, false
}

func parseList(text string) (Command, bool) {
	arg, ok := keywordArg(text, "list", "ls")
	if !ok {
		return Command{}, false
	}
	// Missing path defaults to the root folder.
	if arg == "" {
		arg = "/"
	}
	return Command{Kind: KindList, Path: NormalizePath(arg)}, true
}

func parseDelete(text string) (Command, bool) {
	arg, ok := keywordArg(text, "delete", "rm")
	if !ok {
		return Command{}, false
	}
	// DELETE requires an explicit target; a bare "delete" is not a command.
	if arg == "" {
		return Command{}, false
	}
	return Command{Kind: KindDelete, Path: NormalizePath(arg)}, true
}

func parseMove(text string) (Command, bool) {
	arg, ok := keywordArg(text, "move", "mv")
	if !ok {
		return Command{}, false
	}

	// The literal keyword TO separates source and destination and must
	// appear exactly once as a standalone token.
	src, dst, ok := splitOnTo(arg)
	if !ok || src == "" || dst == "" {
		return Command{}, false
	}
	return Command{Kind: KindMove, Path: NormalizePath(src), DestPath: NormalizePath(dst)}, true
}

func parseSummary(text string) (Command, bool) {
	arg, ok := keywordArg(text, "summary", "sum")
	if !ok || arg == "" {
		return Command{}, false
	}
	return Command{Kind: KindSummary, Path: NormalizePath(arg)}, true
}

func parseConfirmReply(text string) (Command, bool) {
	if !confirmCodeRe.MatchString(text) {
		return Command{}, false
	}
	return Command{Kind: KindConfirmReply, Code: strings.ToLower(text)}, true
}

// splitOnTo splits s on the single standalone token "to" (case-insensitive).
// ok is false when the token is absent or appears more than once, since the
// destination would then be ambiguous.
func splitOnTo(s string) (src, dst string, ok bool) {
	fields := strings.Fields(s)
	idx := -1
	for i, f := range fields {
		if strings.EqualFold(f, "to") {
			if idx != -1 {
				return "", "", false
			}
			idx = i
		}
	}
	if idx <= 0 || idx == len(fields)-1 {
		return "", "", false
	}
	return strings.Join(fields[:idx], " "), strings.Join(fields[idx+1:], " "), true
}

// multiSlashRe collapses runs of slashes during path normalization.
var multiSlashRe = regexp.MustCompile(`/+`)

// NormalizePath canonicalizes a user-supplied path: rooted at "/", duplicate
// slashes collapsed, trailing slash removed (except for the root itself).
// Paths may contain spaces; only slash handling is normalized.
func NormalizePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	path = multiSlashRe.ReplaceAllString(path, "/")
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}
