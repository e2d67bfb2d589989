package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/haricheung/cascade/internal/modelclient"
	"github.com/haricheung/cascade/internal/stage"
	"github.com/haricheung/cascade/internal/types"
)

// maxPromptNotes caps how many retrieved notes are folded into a generation
// prompt.
const maxPromptNotes = 5

const answerPrompt = `Answer the question below. Be direct and complete. When background notes are given, prefer them over your own recall and cite the ones you used by their [N] marker.

%sQuestion:
%s`

// assemblePrompt folds retrieval notes (and an optional playbook) into the
// generation prompt.
func assemblePrompt(view *stage.View, query string) string {
	var b strings.Builder
	if notes := scoredNotes(view, stage.KeyRetrievalNotes); len(notes) > 0 {
		b.WriteString("Background notes:\n")
		for i, n := range notes {
			if i >= maxPromptNotes {
				break
			}
			fmt.Fprintf(&b, "[%d] %s\n", i+1, n.Note.Text)
		}
		b.WriteString("\n")
	}
	if playbook := view.GetString(stage.KeyContextPlaybook); playbook != "" {
		b.WriteString("Playbook:\n")
		b.WriteString(playbook)
		b.WriteString("\n\n")
	}
	return fmt.Sprintf(answerPrompt, b.String(), query)
}

// scoredNotes reads a []types.ScoredNote scratchpad value, tolerating the
// concrete slice type the retrieval stage writes.
func scoredNotes(view *stage.View, key string) []types.ScoredNote {
	val, ok := view.Get(key)
	if !ok {
		return nil
	}
	notes, _ := val.([]types.ScoredNote)
	return notes
}

// citationMarkers extracts the "[N]" markers a model used in its answer.
func citationMarkers(answer string, noteCount int) []string {
	var cites []string
	for i := 1; i <= noteCount && i <= maxPromptNotes; i++ {
		if strings.Contains(answer, fmt.Sprintf("[%d]", i)) {
			cites = append(cites, fmt.Sprintf("[%d]", i))
		}
	}
	return cites
}

// TeacherCall generates an answer with the teacher client. Circuit-open and
// budget refusals surface as typed errors; the scheduler degrades and the
// planned StudentCall takes over.
type TeacherCall struct {
	client string
}

// NewTeacherCall creates the stage bound to the named teacher client.
func NewTeacherCall(client string) *TeacherCall { return &TeacherCall{client: client} }

func (*TeacherCall) Name() string { return stage.NameTeacherCall }
func (*TeacherCall) InputKeys() []string {
	return []string{stage.KeyQueryText, stage.KeyRetrievalNotes, stage.KeyContextPlaybook}
}
func (*TeacherCall) OutputKeys() []string {
	return []string{stage.KeyTeacherAnswer, stage.KeyTeacherCitations}
}
func (*TeacherCall) Cacheable() bool        { return false }
func (*TeacherCall) Idempotent() bool       { return true }
func (*TeacherCall) Capabilities() []string { return []string{stage.CapNeedsTeacher} }

func (s *TeacherCall) Run(ctx context.Context, req stage.Request) (stage.Output, error) {
	rt := req.Runtime
	if rt == nil || rt.Clients == nil || !rt.Clients.Has(s.client) {
		return stage.Output{}, types.NewError(types.KindInvalid, "teacher client not configured")
	}
	query := req.View.GetString(stage.KeyQueryText)
	gen, err := rt.Clients.Generate(ctx, s.client, assemblePrompt(req.View, query), modelclient.Options{MaxTokens: 1024}, rt.Ledger)
	if err != nil {
		return stage.Output{}, err
	}
	noteCount := len(scoredNotes(req.View, stage.KeyRetrievalNotes))
	return stage.Output{
		Writes: map[string]any{
			stage.KeyTeacherAnswer:    gen.Text,
			stage.KeyTeacherCitations: citationMarkers(gen.Text, noteCount),
		},
		CostMicros: gen.CostMicros,
		TokensIn:   gen.TokensIn,
		TokensOut:  gen.TokensOut,
	}, nil
}

// StudentCall generates with the student client. It is planned directly
// after TeacherCall as its fallback: when a teacher answer is already on the
// scratchpad it skips at zero cost.
type StudentCall struct {
	client string
}

// NewStudentCall creates the stage bound to the named student client.
func NewStudentCall(client string) *StudentCall { return &StudentCall{client: client} }

func (*StudentCall) Name() string { return stage.NameStudentCall }
func (*StudentCall) InputKeys() []string {
	return []string{stage.KeyQueryText, stage.KeyRetrievalNotes, stage.KeyTeacherAnswer, stage.KeyContextPlaybook}
}
func (*StudentCall) OutputKeys() []string   { return []string{stage.KeyStudentAnswer} }
func (*StudentCall) Cacheable() bool        { return false }
func (*StudentCall) Idempotent() bool       { return true }
func (*StudentCall) Capabilities() []string { return []string{stage.CapNeedsStudent} }

// Run generates unless the teacher already answered.
//
// Expectations:
//   - Skips at zero cost when teacher.answer is present
//   - Otherwise writes student.answer from the student client
//   - Model errors surface typed for the scheduler to classify
func (s *StudentCall) Run(ctx context.Context, req stage.Request) (stage.Output, error) {
	if req.View.GetString(stage.KeyTeacherAnswer) != "" {
		return stage.Output{
			Writes: map[string]any{stage.KeyStudentAnswer: ""},
			Notes:  "skipped: teacher answered",
		}, nil
	}
	rt := req.Runtime
	if rt == nil || rt.Clients == nil || !rt.Clients.Has(s.client) {
		return stage.Output{}, types.NewError(types.KindInvalid, "student client not configured")
	}
	query := req.View.GetString(stage.KeyQueryText)
	gen, err := rt.Clients.Generate(ctx, s.client, assemblePrompt(req.View, query), modelclient.Options{MaxTokens: 1024}, rt.Ledger)
	if err != nil {
		return stage.Output{}, err
	}
	return stage.Output{
		Writes:     map[string]any{stage.KeyStudentAnswer: gen.Text},
		CostMicros: gen.CostMicros,
		TokensIn:   gen.TokensIn,
		TokensOut:  gen.TokensOut,
	}, nil
}
