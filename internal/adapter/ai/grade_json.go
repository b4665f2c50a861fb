package ai

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/fairyhunter13/ai-answer-grader/internal/domain"
	"github.com/fairyhunter13/ai-answer-grader/pkg/textx"
)

// questionDelimiter separates questions inside a batch prompt and is the
// anchor for the fallback parse when the model returns malformed JSON.
const questionDelimiter = "-----QUESTION BREAK-----"

// llmGradeOut mirrors one result entry from the model. Every field is
// untrusted input: parse, then clamp.
type llmGradeOut struct {
	QuestionNumber int      `json:"question_number"`
	IsCorrect      bool     `json:"is_correct"`
	PointsEarned   float64  `json:"points_earned"`
	Confidence     float64  `json:"confidence"`
	Reasoning      string   `json:"reasoning"`
	ReasoningDepth string   `json:"reasoning_depth"`
	MatchedSkills  []string `json:"matched_skills"`
}

type llmBatchOut struct {
	Results []llmGradeOut `json:"results"`
}

type llmEscalationOut struct {
	MatchedSkills []string `json:"matched_skills"`
	PrimarySkill  string   `json:"primary_skill"`
	Confidence    float64  `json:"confidence"`
	Reasoning     string   `json:"reasoning"`
}

func buildBatchSystemPrompt(n int) string {
	return strings.TrimSpace(fmt.Sprintf(`You are a strict exam grader. You will receive %d questions separated by the delimiter %q.
Grade each question INDEPENDENTLY. Do not let one question's answer influence another.
Return ONLY valid JSON with this schema and nothing else (no markdown, no prose):
{
  "results": [
    {
      "question_number": integer,
      "is_correct": boolean,
      "points_earned": number,
      "confidence": number between 0.0 and 1.0,
      "reasoning": string with 1-2 concise sentences,
      "reasoning_depth": "shallow" | "medium" | "deep",
      "matched_skills": string[] (subset of the skills listed for that question)
    }
  ]
}
The "results" array must contain exactly %d entries, one per question, in order.`, n, questionDelimiter, n))
}

func buildBatchUserPrompt(reqs []domain.GradingRequest, rubric string, truncateQuestion func(string) string) string {
	b := &strings.Builder{}
	if strings.TrimSpace(rubric) != "" {
		b.WriteString("Scoring Rubric:\n")
		b.WriteString(textx.Truncate(rubric, 1500))
		b.WriteString("\n\n")
	}
	for i, r := range reqs {
		if i > 0 {
			b.WriteString("\n")
			b.WriteString(questionDelimiter)
			b.WriteString("\n")
		}
		// Questions are renumbered 1..N for the prompt. The requests'
		// own numbers restart per answer file, so a chunk spanning file
		// boundaries carries duplicates and cannot key anything.
		writeQuestionBlock(b, i+1, r, truncateQuestion)
	}
	b.WriteString("\nReturn JSON only.")
	return b.String()
}

func buildSingleSystemPrompt() string {
	return strings.TrimSpace(`You are a strict exam grader. Return ONLY valid JSON with this schema and nothing else:
{
  "question_number": integer,
  "is_correct": boolean,
  "points_earned": number,
  "confidence": number between 0.0 and 1.0,
  "reasoning": string with 1-2 concise sentences,
  "reasoning_depth": "shallow" | "medium" | "deep",
  "matched_skills": string[] (subset of the listed skills)
}`)
}

func buildSingleUserPrompt(r domain.GradingRequest, truncateQuestion func(string) string) string {
	b := &strings.Builder{}
	if strings.TrimSpace(r.Rubric) != "" {
		b.WriteString("Scoring Rubric:\n")
		b.WriteString(textx.Truncate(r.Rubric, 1500))
		b.WriteString("\n\n")
	}
	writeQuestionBlock(b, r.QuestionNumber, r, truncateQuestion)
	b.WriteString("\nReturn JSON only.")
	return b.String()
}

func writeQuestionBlock(b *strings.Builder, num int, r domain.GradingRequest, truncateQuestion func(string) string) {
	fmt.Fprintf(b, "Question %d (worth %.1f points):\n", num, r.PointsPossible)
	b.WriteString(truncateQuestion(r.QuestionText))
	b.WriteString("\nReference answer:\n")
	b.WriteString(textx.Truncate(r.ReferenceAnswer, 1000))
	b.WriteString("\nStudent answer:\n")
	b.WriteString(textx.Truncate(r.StudentAnswer, 1000))
	if len(r.SkillContext) > 0 {
		b.WriteString("\nEligible skills: ")
		b.WriteString(strings.Join(r.SkillContext, ", "))
	}
	b.WriteString("\n")
}

func buildEscalationSystemPrompt() string {
	return strings.TrimSpace(`You are an expert at mapping exam questions to curriculum skills. Return ONLY valid JSON with this schema and nothing else:
{
  "matched_skills": string[] (at most 2, chosen ONLY from the provided list),
  "primary_skill": string (one of matched_skills),
  "confidence": number between 0.0 and 1.0,
  "reasoning": string with 1-2 concise sentences
}
Never invent skills that are not in the provided list.`)
}

func buildEscalationUserPrompt(req domain.EscalationRequest) string {
	b := &strings.Builder{}
	if strings.TrimSpace(req.Prompt) != "" {
		b.WriteString(textx.Truncate(req.Prompt, 800))
		b.WriteString("\n\n")
	}
	fmt.Fprintf(b, "Question %d:\n", req.QuestionNumber)
	b.WriteString(textx.Truncate(req.QuestionText, 1500))
	b.WriteString("\nStudent answer:\n")
	b.WriteString(textx.Truncate(req.StudentAnswer, 800))
	b.WriteString("\nAvailable skills: ")
	b.WriteString(strings.Join(req.AvailableSkills, ", "))
	b.WriteString("\nReturn JSON only.")
	return b.String()
}

// parseBatchResponse extracts per-question results keyed by the 1-based
// ordinal the prompt assigned, never by the requests' own question numbers
// (those restart per answer file and collide inside one batch). When JSON
// parsing fails it attempts the delimiter-based fallback parse. Callers must
// treat absent ordinals as needing a per-item single retry.
func parseBatchResponse(s string, n int) (map[int]llmGradeOut, error) {
	byOrdinal := make(map[int]llmGradeOut)
	js, ok := extractFirstJSONObject(s)
	if ok {
		var out llmBatchOut
		if err := json.Unmarshal([]byte(js), &out); err == nil && len(out.Results) > 0 {
			for i, r := range out.Results {
				ord := r.QuestionNumber
				if ord < 1 || ord > n {
					// model omitted or mangled numbering; assume
					// positional order
					ord = i + 1
				}
				if ord > n {
					break
				}
				if _, dup := byOrdinal[ord]; !dup {
					byOrdinal[ord] = r
				}
			}
			return byOrdinal, nil
		}
	}
	// Delimiter fallback: split the raw text on the known delimiter and
	// heuristically extract a verdict per chunk.
	chunks := strings.Split(s, questionDelimiter)
	if len(chunks) <= 1 {
		return nil, fmt.Errorf("%w: batch response is neither valid JSON nor delimited text", domain.ErrSchemaInvalid)
	}
	for i, chunk := range chunks {
		if i >= n {
			break
		}
		out, ok := parseChunk(chunk)
		if !ok {
			continue
		}
		byOrdinal[i+1] = out
	}
	if len(byOrdinal) == 0 {
		return nil, fmt.Errorf("%w: delimiter fallback extracted no results", domain.ErrSchemaInvalid)
	}
	return byOrdinal, nil
}

// parseChunk extracts one verdict from a delimiter-separated text chunk:
// an embedded JSON object when present, keyword heuristics otherwise.
func parseChunk(chunk string) (llmGradeOut, bool) {
	if js, ok := extractFirstJSONObject(chunk); ok {
		var out llmGradeOut
		if err := json.Unmarshal([]byte(js), &out); err == nil {
			return out, true
		}
	}
	lower := strings.ToLower(chunk)
	if strings.TrimSpace(lower) == "" {
		return llmGradeOut{}, false
	}
	out := llmGradeOut{
		Confidence:     0.3,
		ReasoningDepth: domain.DepthShallow,
		Reasoning:      "recovered from malformed batch response",
	}
	switch {
	case strings.Contains(lower, "incorrect") || strings.Contains(lower, "wrong"):
		out.IsCorrect = false
	case strings.Contains(lower, "correct") || strings.Contains(lower, "right answer"):
		out.IsCorrect = true
	default:
		return llmGradeOut{}, false
	}
	if pts, ok := findNumberAfter(lower, "points"); ok {
		out.PointsEarned = pts
	}
	return out, true
}

func parseSingleResponse(s string) (llmGradeOut, error) {
	js, ok := extractFirstJSONObject(s)
	if !ok {
		return llmGradeOut{}, fmt.Errorf("%w: no json object in response", domain.ErrSchemaInvalid)
	}
	var out llmGradeOut
	if err := json.Unmarshal([]byte(js), &out); err != nil {
		return llmGradeOut{}, fmt.Errorf("%w: %v", domain.ErrSchemaInvalid, err)
	}
	return out, nil
}

// parseEscalationResponse validates the skill-resolution output. Any skill
// not present in available is rejected and discarded, never trusted.
func parseEscalationResponse(s string, available []string) (domain.EscalationResult, error) {
	js, ok := extractFirstJSONObject(s)
	if !ok {
		return domain.EscalationResult{}, fmt.Errorf("%w: no json object in escalation response", domain.ErrSchemaInvalid)
	}
	var out llmEscalationOut
	if err := json.Unmarshal([]byte(js), &out); err != nil {
		return domain.EscalationResult{}, fmt.Errorf("%w: %v", domain.ErrSchemaInvalid, err)
	}

	allowed := make(map[string]string, len(available))
	for _, a := range available {
		allowed[strings.ToLower(strings.TrimSpace(a))] = a
	}
	matched := make([]string, 0, 2)
	for _, sk := range out.MatchedSkills {
		canonical, ok := allowed[strings.ToLower(strings.TrimSpace(sk))]
		if !ok {
			continue
		}
		matched = append(matched, canonical)
		if len(matched) == 2 {
			break
		}
	}

	res := domain.EscalationResult{
		MatchedSkills: matched,
		Confidence:    clamp01(out.Confidence),
		Reasoning:     out.Reasoning,
	}
	if canonical, ok := allowed[strings.ToLower(strings.TrimSpace(out.PrimarySkill))]; ok {
		res.PrimarySkill = canonical
	} else if len(matched) > 0 {
		res.PrimarySkill = matched[0]
	}
	return res, nil
}

// toVerdict converts an untrusted model result into a well-typed verdict
// clamped against the question constraints.
func toVerdict(out llmGradeOut, req domain.GradingRequest, method domain.GradeMethod) domain.GradingVerdict {
	v := domain.GradingVerdict{
		QuestionID:     req.QuestionID,
		QuestionNumber: req.QuestionNumber,
		IsCorrect:      out.IsCorrect,
		PointsEarned:   out.PointsEarned,
		Confidence:     out.Confidence,
		Reasoning:      strings.TrimSpace(out.Reasoning),
		ReasoningDepth: out.ReasoningDepth,
		Method:         method,
		MatchedSkills:  filterSkills(out.MatchedSkills, req.SkillContext),
	}
	if v.IsCorrect && v.PointsEarned == 0 {
		v.PointsEarned = req.PointsPossible
	}
	v.Clamp(req.PointsPossible)
	return v
}

// filterSkills keeps only skills present in the request's skill context,
// preserving the context's order semantics via canonical names.
func filterSkills(skills, context []string) []string {
	if len(skills) == 0 || len(context) == 0 {
		return nil
	}
	allowed := make(map[string]string, len(context))
	for _, c := range context {
		allowed[strings.ToLower(strings.TrimSpace(c))] = c
	}
	out := make([]string, 0, len(skills))
	seen := make(map[string]bool, len(skills))
	for _, s := range skills {
		canonical, ok := allowed[strings.ToLower(strings.TrimSpace(s))]
		if ok && !seen[canonical] {
			out = append(out, canonical)
			seen[canonical] = true
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func extractFirstJSONObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	if start == -1 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func findNumberAfter(s, keyword string) (float64, bool) {
	idx := strings.Index(s, keyword)
	if idx == -1 {
		return 0, false
	}
	rest := s[idx+len(keyword):]
	fields := strings.FieldsFunc(rest, func(r rune) bool {
		return !(r >= '0' && r <= '9') && r != '.'
	})
	for _, f := range fields {
		if f == "" {
			continue
		}
		if n, err := strconv.ParseFloat(f, 64); err == nil {
			return n, true
		}
		break
	}
	return 0, false
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
