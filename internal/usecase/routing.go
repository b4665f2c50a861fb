package usecase

import (
	"github.com/fairyhunter13/ai-answer-grader/internal/domain"
	"github.com/fairyhunter13/ai-answer-grader/pkg/textx"
)

// RouteDecision is the routing heuristic's advisory output. Callers may
// still escalate a simple case to the LLM grader when the embedding
// grader's confidence falls short.
type RouteDecision struct {
	UseEmbedding bool
	Complexity   domain.Complexity
	Reason       string
}

// DecideRoute picks a grading strategy from the answer texts alone. It is
// a pure function with no remote calls.
func DecideRoute(studentAnswer, referenceAnswer string) RouteDecision {
	normStudent := textx.NormalizeAnswer(studentAnswer)
	normRef := textx.NormalizeAnswer(referenceAnswer)

	if normStudent != "" && normStudent == normRef {
		return RouteDecision{
			UseEmbedding: true,
			Complexity:   domain.ComplexitySimple,
			Reason:       "exact match after normalization",
		}
	}

	if _, okS := textx.ParseNumeric(studentAnswer); okS {
		if _, okR := textx.ParseNumeric(referenceAnswer); okR {
			return RouteDecision{
				UseEmbedding: true,
				Complexity:   domain.ComplexitySimple,
				Reason:       "both answers numeric",
			}
		}
	}

	lenS := len(normStudent)
	lenR := len(normRef)
	avg := (lenS + lenR) / 2
	diff := lenS - lenR
	if diff < 0 {
		diff = -diff
	}

	switch {
	case avg <= 50 && diff <= 20:
		return RouteDecision{
			UseEmbedding: true,
			Complexity:   domain.ComplexitySimple,
			Reason:       "short answers",
		}
	case avg > 200 || diff > 100:
		return RouteDecision{
			UseEmbedding: false,
			Complexity:   domain.ComplexityComplex,
			Reason:       "long or divergent answers, llm preferred",
		}
	default:
		return RouteDecision{
			UseEmbedding: true,
			Complexity:   domain.ComplexityMedium,
			Reason:       "medium-length answers",
		}
	}
}
