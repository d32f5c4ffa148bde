package service

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/botwall/botwall/core"
)

// Question categories.
const (
	categoryRiddle     = "riddle"
	categoryArithmetic = "arithmetic"
	categoryLogic      = "logic"
	categoryCode       = "code"
)

// maxPerCategory bounds how many questions of one category a single
// reasoning challenge may carry before falling back.
const maxPerCategory = 2

// staticRiddles is the fixed part of the pool. Accepted answers are stored
// pre-normalized.
var staticRiddles = []core.ReasoningQuestion{
	{
		Prompt:          "What has keys but can't open locks?",
		Category:        categoryRiddle,
		AcceptedAnswers: []string{"piano", "a piano", "keyboard", "a keyboard"},
	},
	{
		Prompt:          "What gets wetter the more it dries?",
		Category:        categoryRiddle,
		AcceptedAnswers: []string{"towel", "a towel"},
	},
	{
		Prompt:          "I speak without a mouth and hear without ears. What am I?",
		Category:        categoryRiddle,
		AcceptedAnswers: []string{"echo", "an echo"},
	},
	{
		Prompt:          "What month of the year has 28 days?",
		Category:        categoryRiddle,
		AcceptedAnswers: []string{"all of them", "all", "every month", "all months"},
	},
}

// questionPool assembles the full pool for one draw: static riddles plus
// parametrically regenerated questions with fresh operands, so no static
// answer table is ever valid twice.
func questionPool() ([]core.ReasoningQuestion, error) {
	pool := make([]core.ReasoningQuestion, 0, len(staticRiddles)+6)
	for _, q := range staticRiddles {
		q.ID = uuid.New().String()
		pool = append(pool, q)
	}

	generators := []func() (core.ReasoningQuestion, error){
		arithmeticSum,
		arithmeticProduct,
		arithmeticRemainder,
		logicSequence,
		logicComparison,
		codeOutput,
	}
	for _, gen := range generators {
		q, err := gen()
		if err != nil {
			return nil, err
		}
		q.ID = uuid.New().String()
		pool = append(pool, q)
	}
	return pool, nil
}

func arithmeticSum() (core.ReasoningQuestion, error) {
	a, err := randomInt(11, 97)
	if err != nil {
		return core.ReasoningQuestion{}, err
	}
	b, err := randomInt(11, 97)
	if err != nil {
		return core.ReasoningQuestion{}, err
	}
	return core.ReasoningQuestion{
		Prompt:          fmt.Sprintf("What is %d + %d?", a, b),
		Category:        categoryArithmetic,
		AcceptedAnswers: []string{fmt.Sprintf("%d", a+b)},
	}, nil
}

func arithmeticProduct() (core.ReasoningQuestion, error) {
	a, err := randomInt(3, 12)
	if err != nil {
		return core.ReasoningQuestion{}, err
	}
	b, err := randomInt(3, 12)
	if err != nil {
		return core.ReasoningQuestion{}, err
	}
	return core.ReasoningQuestion{
		Prompt:          fmt.Sprintf("What is %d times %d?", a, b),
		Category:        categoryArithmetic,
		AcceptedAnswers: []string{fmt.Sprintf("%d", a*b)},
	}, nil
}

func arithmeticRemainder() (core.ReasoningQuestion, error) {
	a, err := randomInt(20, 99)
	if err != nil {
		return core.ReasoningQuestion{}, err
	}
	b, err := randomInt(3, 9)
	if err != nil {
		return core.ReasoningQuestion{}, err
	}
	return core.ReasoningQuestion{
		Prompt:          fmt.Sprintf("What is the remainder of %d divided by %d?", a, b),
		Category:        categoryArithmetic,
		AcceptedAnswers: []string{fmt.Sprintf("%d", a%b)},
	}, nil
}

func logicSequence() (core.ReasoningQuestion, error) {
	start, err := randomInt(1, 9)
	if err != nil {
		return core.ReasoningQuestion{}, err
	}
	step, err := randomInt(2, 7)
	if err != nil {
		return core.ReasoningQuestion{}, err
	}
	seq := []int{start, start + step, start + 2*step, start + 3*step}
	return core.ReasoningQuestion{
		Prompt: fmt.Sprintf("What number comes next in the sequence %d, %d, %d, %d?",
			seq[0], seq[1], seq[2], seq[3]),
		Category:        categoryLogic,
		AcceptedAnswers: []string{fmt.Sprintf("%d", start+4*step)},
	}, nil
}

func logicComparison() (core.ReasoningQuestion, error) {
	a, err := randomInt(100, 499)
	if err != nil {
		return core.ReasoningQuestion{}, err
	}
	b, err := randomInt(500, 999)
	if err != nil {
		return core.ReasoningQuestion{}, err
	}
	larger := b
	// Randomize presentation order so the answer is not positional.
	flip, err := randomInt(0, 1)
	if err != nil {
		return core.ReasoningQuestion{}, err
	}
	x, y := a, b
	if flip == 1 {
		x, y = b, a
	}
	return core.ReasoningQuestion{
		Prompt:          fmt.Sprintf("Which number is larger: %d or %d?", x, y),
		Category:        categoryLogic,
		AcceptedAnswers: []string{fmt.Sprintf("%d", larger)},
	}, nil
}

func codeOutput() (core.ReasoningQuestion, error) {
	n, err := randomInt(3, 6)
	if err != nil {
		return core.ReasoningQuestion{}, err
	}
	total := 0
	for i := 1; i <= n; i++ {
		total += i
	}
	return core.ReasoningQuestion{
		Prompt: fmt.Sprintf(
			"A loop adds every integer from 1 through %d to a total that starts at zero. What is the total afterwards?", n),
		Category:        categoryCode,
		AcceptedAnswers: []string{fmt.Sprintf("%d", total)},
	}, nil
}

// drawQuestions picks count questions from a fresh pool, preferring category
// diversity: no more than maxPerCategory from any one category, and at
// least two distinct categories when the pool allows.
func drawQuestions(count int) ([]core.ReasoningQuestion, error) {
	pool, err := questionPool()
	if err != nil {
		return nil, err
	}
	if err := shuffle(pool); err != nil {
		return nil, err
	}

	picked := make([]core.ReasoningQuestion, 0, count)
	perCategory := make(map[string]int)
	for _, q := range pool {
		if len(picked) == count {
			break
		}
		if perCategory[q.Category] >= maxPerCategory {
			continue
		}
		picked = append(picked, q)
		perCategory[q.Category]++
	}
	// Fall back to whatever remains if the category cap starved the draw.
	for _, q := range pool {
		if len(picked) == count {
			break
		}
		if containsQuestion(picked, q.ID) {
			continue
		}
		picked = append(picked, q)
	}
	if len(picked) < count {
		return nil, fmt.Errorf("question pool exhausted: need %d, have %d", count, len(picked))
	}
	return picked, nil
}

func containsQuestion(qs []core.ReasoningQuestion, id string) bool {
	for _, q := range qs {
		if q.ID == id {
			return true
		}
	}
	return false
}

// shuffle is a Fisher-Yates shuffle driven by the CSPRNG.
func shuffle(qs []core.ReasoningQuestion) error {
	for i := len(qs) - 1; i > 0; i-- {
		j, err := randomInt(0, i)
		if err != nil {
			return err
		}
		qs[i], qs[j] = qs[j], qs[i]
	}
	return nil
}

// normalizeAnswer lowercases, trims, strips terminal punctuation and
// collapses internal whitespace.
func normalizeAnswer(answer string) string {
	out := strings.ToLower(strings.TrimSpace(answer))
	out = strings.TrimRight(out, ".!?")
	return strings.Join(strings.Fields(out), " ")
}

// answerMatches accepts on exact normalized equality, or on the candidate
// containing an accepted answer when the accepted answer is longer than two
// characters. Containment is one-way: an accepted answer that
// merely appears inside a longer unrelated accepted string must not match a
// short candidate.
func answerMatches(candidate string, accepted []string) bool {
	normalized := normalizeAnswer(candidate)
	if normalized == "" {
		return false
	}
	for _, a := range accepted {
		want := normalizeAnswer(a)
		if normalized == want {
			return true
		}
		if len(want) > 2 && len(normalized) > len(want) && strings.Contains(normalized, want) {
			return true
		}
	}
	return false
}
