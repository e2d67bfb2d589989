// Package ui renders sessions, traces, and results for the terminal.
package ui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/haricheung/cascade/internal/types"
)

// ANSI codes
const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiDim    = "\033[2m"
	ansiCyan   = "\033[36m"
	ansiYellow = "\033[33m"
	ansiGreen  = "\033[32m"
	ansiRed    = "\033[31m"
)

var phaseColor = map[types.EventPhase]string{
	types.PhaseStart: ansiDim,
	types.PhaseEnd:   ansiGreen,
	types.PhaseError: ansiRed,
	types.PhaseRetry: ansiYellow,
}

var terminalColor = map[types.TerminalState]string{
	types.TerminalOK:            ansiGreen,
	types.TerminalFailed:        ansiRed,
	types.TerminalAbortedBudget: ansiYellow,
	types.TerminalCancelled:     ansiYellow,
}

// maxNoteWidth is the display-cell budget for an event's notes column. Width
// is measured in terminal cells, not bytes, so CJK answers truncate cleanly.
const maxNoteWidth = 60

// FormatEvent renders one trace event as a single line.
func FormatEvent(ev types.StageEvent) string {
	color := phaseColor[ev.Phase]
	var extra []string
	if ev.CacheHit {
		extra = append(extra, "cache")
	}
	if ev.CostMicros > 0 {
		extra = append(extra, fmt.Sprintf("%dµ", ev.CostMicros))
	}
	if ev.ErrorKind != types.KindNone {
		extra = append(extra, string(ev.ErrorKind))
	}
	if ev.Notes != "" {
		extra = append(extra, runewidth.Truncate(ev.Notes, maxNoteWidth, "…"))
	}
	suffix := ""
	if len(extra) > 0 {
		suffix = "  " + ansiDim + strings.Join(extra, " | ") + ansiReset
	}
	return fmt.Sprintf("%s%3d %-8s %s%s%s",
		color, ev.Seq, ev.Phase, runewidth.FillRight(ev.Stage, 18), ansiReset, suffix)
}

// FormatTrace renders a full session: header, every event, terminal line.
func FormatTrace(sess types.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%ssession %s%s  %s\n", ansiBold, sess.ID, ansiReset,
		runewidth.Truncate(sess.Query.Text, maxNoteWidth, "…"))
	for _, ev := range sess.Events {
		b.WriteString(FormatEvent(ev))
		b.WriteString("\n")
	}
	color := terminalColor[sess.Terminal]
	fmt.Fprintf(&b, "%s%s%s  cost=%dµ stages=%d wall=%dms\n",
		color, sess.Terminal, ansiReset,
		sess.Totals.CostMicros, sess.Totals.Stages, sess.Totals.WallMillis)
	return b.String()
}

// FormatResult renders the final answer block.
func FormatResult(res types.Result) string {
	var b strings.Builder
	color := terminalColor[res.Terminal]
	fmt.Fprintf(&b, "\n%s--- %s ---%s\n", color, res.Terminal, ansiReset)
	b.WriteString(res.Answer)
	b.WriteString("\n")
	if len(res.Provenance) > 0 {
		fmt.Fprintf(&b, "%svia %s%s\n", ansiDim, strings.Join(res.Provenance, ", "), ansiReset)
	}
	if res.ErrorSummary != "" {
		fmt.Fprintf(&b, "%s%s%s\n", ansiRed, res.ErrorSummary, ansiReset)
	}
	fmt.Fprintf(&b, "%s[%s] cost=%dµ teacher=%d student=%d%s\n",
		ansiDim, res.SessionID, res.Totals.CostMicros,
		res.Totals.TeacherCalls, res.Totals.StudentCalls, ansiReset)
	return b.String()
}

// FormatMemorySummary renders per-bucket note counts.
func FormatMemorySummary(counts map[string]int) string {
	if len(counts) == 0 {
		return "reasoning bank is empty\n"
	}
	buckets := make([]string, 0, len(counts))
	for bucket := range counts {
		buckets = append(buckets, bucket)
	}
	sort.Strings(buckets)
	var b strings.Builder
	for _, bucket := range buckets {
		fmt.Fprintf(&b, "%s  %d notes\n", runewidth.FillRight(bucket, 30), counts[bucket])
	}
	return b.String()
}
