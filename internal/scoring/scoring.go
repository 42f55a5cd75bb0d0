// Package scoring computes the percentage score of a submitted attempt.
package scoring

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Outcome is the result of scoring one attempt.
type Outcome struct {
	Score   decimal.Decimal
	Passed  bool
	Correct int
	Total   int
}

// Score grades answers against the canonical answer of each question in order.
//
// Every question of order is worth 100/len(order) points. Questions missing from answerKey were
// deleted after the attempt was created: they are skipped but still count in the denominator.
// Matching is exact and case-sensitive after trimming, short-answer questions included.
func Score(order []int64, answerKey map[int64]string, answers map[int64]string, passScore decimal.Decimal) Outcome {
	out := Outcome{Total: len(order)}
	if out.Total == 0 {
		out.Score = decimal.Zero
		return out
	}

	for _, qid := range order {
		correct, ok := answerKey[qid]
		if !ok {
			continue
		}

		given, ok := answers[qid]
		if !ok {
			continue
		}

		if strings.TrimSpace(given) == strings.TrimSpace(correct) {
			out.Correct++
		}
	}

	out.Score = hundred.
		Mul(decimal.NewFromInt(int64(out.Correct))).
		Div(decimal.NewFromInt(int64(out.Total))).
		Round(2)
	out.Passed = out.Score.GreaterThanOrEqual(passScore)
	return out
}

// NormalizeAnswers accepts keys of the form "q<id>" or "<id>", drops anything else and trims values.
func NormalizeAnswers(raw map[string]any) map[int64]string {
	out := make(map[int64]string, len(raw))
	for k, v := range raw {
		key := strings.TrimSpace(k)
		key = strings.TrimPrefix(key, "q")
		if key == "" || strings.ContainsAny(key, "+-") {
			continue
		}

		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}

		out[id] = strings.TrimSpace(stringify(v))
	}

	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "True"
		}
		return "False"
	default:
		return fmt.Sprint(t)
	}
}
