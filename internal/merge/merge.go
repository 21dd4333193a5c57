// Package merge reconciles checking-stage snapshots into one score record.
//
// Diagram results override textual results question by question. A diagram
// score below the textual one is applied only when the diagram service marks
// the question with penalize, so diagram checking never silently lowers a
// total. The total is always the sum of the per-question scores.
//
// A textual snapshot that only reports a total already contains every
// question, so diagram results are folded into that single aggregate entry
// instead of being listed beside it.
package merge

import (
	"math"
	"sort"

	"github.com/pavelanni/sheetgrader/internal/model"
)

// AggregateQuestion labels the single entry used when a snapshot only
// reports a total.
const AggregateQuestion = "aggregate"

// Merge builds the canonical score record. diagram may be nil. The result
// depends only on its inputs.
func Merge(text, diagram *model.Snapshot, marks model.MaxMarks) model.ScoreRecord {
	rec := model.ScoreRecord{Questions: []model.QuestionScore{}}
	if text.Empty() {
		return rec
	}
	rec.Questions = fromSnapshot(text, marks, model.StageTextCheck)

	if !diagram.Empty() && len(text.Questions) == 0 && len(diagram.Questions) > 0 {
		foldAggregate(&rec, diagram)
	} else if !diagram.Empty() {
		index := make(map[string]int, len(rec.Questions))
		for i, q := range rec.Questions {
			index[q.Question] = i
		}
		for _, d := range fromSnapshot(diagram, marks, model.StageDiagramCheck) {
			i, ok := index[d.Question]
			if !ok {
				// Per-question text results cannot absorb a diagram aggregate.
				if d.Question == AggregateQuestion {
					continue
				}
				rec.Questions = append(rec.Questions, d)
				index[d.Question] = len(rec.Questions) - 1
				rec.DiagramAdjusted = true
				continue
			}
			if d.Score < rec.Questions[i].Score && !penalizes(diagram, d.Question) {
				continue
			}
			if d.MaxScore == 0 {
				d.MaxScore = rec.Questions[i].MaxScore
				d.Correct = isCorrect(d.Score, d.MaxScore, nil)
			}
			if d != rec.Questions[i] {
				rec.DiagramAdjusted = true
			}
			rec.Questions[i] = d
		}
	}

	sort.SliceStable(rec.Questions, func(i, j int) bool {
		return model.LessQuestionID(rec.Questions[i].Question, rec.Questions[j].Question)
	})
	for _, q := range rec.Questions {
		rec.Total += q.Score
		rec.MaxTotal += q.MaxScore
	}
	rec.Total = round(rec.Total)
	rec.MaxTotal = round(rec.MaxTotal)
	return rec
}

// foldAggregate applies a per-question diagram snapshot to an aggregate-only
// text record. Only the diagram's reported total can be compared with the
// aggregate; without one the aggregate stands.
func foldAggregate(rec *model.ScoreRecord, diagram *model.Snapshot) {
	if diagram.Total == nil {
		return
	}
	agg := rec.Questions[0]
	score := round(*diagram.Total)
	if score < agg.Score && !anyPenalize(diagram) {
		return
	}
	if agg.MaxScore > 0 {
		score = math.Min(score, agg.MaxScore)
	}
	score = math.Max(score, 0)
	if score == agg.Score {
		return
	}
	agg.Score = score
	agg.Correct = isCorrect(score, agg.MaxScore, nil)
	agg.Source = model.StageDiagramCheck
	rec.Questions[0] = agg
	rec.DiagramAdjusted = true
}

func anyPenalize(s *model.Snapshot) bool {
	for _, q := range s.Questions {
		if q.Penalize {
			return true
		}
	}
	return false
}

func fromSnapshot(s *model.Snapshot, marks model.MaxMarks, source model.Stage) []model.QuestionScore {
	if len(s.Questions) == 0 {
		outOf := 0.0
		if s.MaxTotal != nil {
			outOf = *s.MaxTotal
		}
		return []model.QuestionScore{{
			Question: AggregateQuestion,
			Score:    round(*s.Total),
			MaxScore: round(outOf),
			Correct:  isCorrect(*s.Total, outOf, nil),
			Source:   source,
		}}
	}
	out := make([]model.QuestionScore, 0, len(s.Questions))
	for _, q := range s.Questions {
		outOf := marks.For(q.Question)
		if q.MaxScore != nil {
			outOf = *q.MaxScore
		}
		out = append(out, model.QuestionScore{
			Question:      q.Question,
			Score:         round(q.Score),
			MaxScore:      round(outOf),
			Correct:       isCorrect(q.Score, outOf, q.Correct),
			PartialCredit: round(q.PartialCredit),
			Rationale:     q.Rationale,
			Source:        source,
		})
	}
	return out
}

func penalizes(s *model.Snapshot, question string) bool {
	for _, q := range s.Questions {
		if q.Question == question {
			return q.Penalize
		}
	}
	return false
}

func isCorrect(score, outOf float64, reported *bool) bool {
	if reported != nil {
		return *reported
	}
	return outOf > 0 && score >= outOf
}

func round(v float64) float64 {
	r := math.Round(v*1e4) / 1e4
	if r == 0 {
		return 0
	}
	return r
}
