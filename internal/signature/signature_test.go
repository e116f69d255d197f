package signature

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseRequest() Request {
	return Request{
		ProfileID:    "profile-42",
		Situation:    "Our churn doubled after the pricing change",
		Goal:         "Win back lapsed customers",
		CurrentSteps: "Emailing a discount code",
		Deadline:     "End of Q3",
		Stakeholders: "Sales, Support",
		Resources:    "Two engineers + one PM",
		Constraints:  "No new hires\nBudget under 10k, keep legal happy",
	}
}

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "empty", input: "", want: ""},
		{name: "trim and lowercase", input: "  Hello World  ", want: "hello world"},
		{name: "collapse whitespace", input: "a \t\n  b", want: "a b"},
		{name: "strip punctuation", input: "Ship it!!! (today?)", want: "ship it today"},
		{name: "keep slash plus dash", input: "Q3/Q4 + follow-up", want: "q3/q4 + follow-up"},
		{name: "keep underscore and digits", input: "plan_B 2024", want: "plan_b 2024"},
		{name: "no-break space", input: "grow\u00a0revenue", want: "grow revenue"},
		{name: "vertical tab", input: "grow\vrevenue", want: "grow revenue"},
		{name: "em space", input: "grow\u2003revenue", want: "grow revenue"},
		{name: "next line", input: "grow\u0085revenue", want: "grow revenue"},
		{name: "unicode padding", input: "\u3000 Grow revenue\u00a0", want: "grow revenue"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeText(tt.input))
		})
	}
}

func TestNormalizeConstraints(t *testing.T) {
	assert.Equal(t, "a|b|c", NormalizeConstraints("c\nB,  a "))
	assert.Equal(t, "budget under 10k|no hires", NormalizeConstraints("No hires,,\n\n Budget under 10k!"))
	assert.Equal(t, "", NormalizeConstraints(" , \n ,"))
}

func TestBuildShape(t *testing.T) {
	sig := Build(baseRequest())
	require.Len(t, sig, Length)
	assert.True(t, Valid(sig))
	assert.False(t, Valid(sig[:63]))
	assert.False(t, Valid("ZZ"+sig[2:]))
}

func TestBuildIsInsensitiveToPresentation(t *testing.T) {
	want := Build(baseRequest())

	variants := map[string]func(r *Request){
		"casing": func(r *Request) {
			r.Situation = "OUR CHURN DOUBLED AFTER THE PRICING CHANGE"
			r.Goal = "win back LAPSED customers"
		},
		"whitespace": func(r *Request) {
			r.Situation = "  Our   churn doubled\tafter the pricing\nchange "
			r.Deadline = "End   of Q3"
		},
		"constraint order": func(r *Request) {
			r.Constraints = "keep legal happy, Budget under 10k\nNo new hires"
		},
		"constraint separators": func(r *Request) {
			r.Constraints = "no new hires,,budget under 10k\n\nkeep legal happy,"
		},
		"stripped punctuation": func(r *Request) {
			r.CurrentSteps = "Emailing a discount code!"
		},
		"no-break space": func(r *Request) {
			r.Goal = "Win\u00a0back lapsed\u00a0customers"
		},
		"vertical tab": func(r *Request) {
			r.Deadline = "End\vof\vQ3"
		},
		"em space": func(r *Request) {
			r.Situation = "Our churn\u2003doubled after the pricing change"
		},
	}

	for name, mutate := range variants {
		t.Run(name, func(t *testing.T) {
			r := baseRequest()
			mutate(&r)
			assert.Equal(t, want, Build(r))
		})
	}
}

func TestBuildDistinguishesSemanticChanges(t *testing.T) {
	base := Build(baseRequest())

	changes := map[string]func(r *Request){
		"profile":      func(r *Request) { r.ProfileID = "profile-43" },
		"situation":    func(r *Request) { r.Situation = "Churn tripled" },
		"goal":         func(r *Request) { r.Goal = "Raise prices" },
		"steps":        func(r *Request) { r.CurrentSteps = "" },
		"deadline":     func(r *Request) { r.Deadline = "End of Q4" },
		"stakeholders": func(r *Request) { r.Stakeholders = "Board" },
		"resources":    func(r *Request) { r.Resources = "One engineer" },
		"constraints":  func(r *Request) { r.Constraints = "No new hires" },
	}

	for name, mutate := range changes {
		t.Run(name, func(t *testing.T) {
			r := baseRequest()
			mutate(&r)
			assert.NotEqual(t, base, Build(r))
		})
	}
}

func TestBuildFieldsDoNotBleed(t *testing.T) {
	a := Request{Situation: "alpha", Goal: "beta"}
	b := Request{Situation: "alpha beta", Goal: ""}
	assert.NotEqual(t, Build(a), Build(b))
}

func TestBuildUnicodeSpaceDoesNotJoinWords(t *testing.T) {
	for _, sep := range []string{"\u00a0", "\v", "\u2003", "\u0085"} {
		spaced := Build(Request{Goal: "grow" + sep + "revenue"})
		assert.Equal(t, Build(Request{Goal: "grow revenue"}), spaced)
		assert.NotEqual(t, Build(Request{Goal: "growrevenue"}), spaced)
	}
}

func TestBuildNoCollisionsInSample(t *testing.T) {
	seen := make(map[string]int, 5000)
	for i := 0; i < 5000; i++ {
		r := baseRequest()
		r.Situation = fmt.Sprintf("situation number %d", i)
		sig := Build(r)
		if prev, ok := seen[sig]; ok {
			t.Fatalf("collision between sample %d and %d", prev, i)
		}
		seen[sig] = i
	}
}

func TestNormalizeKeepsFieldOrder(t *testing.T) {
	n := Normalize(baseRequest())
	assert.Equal(t, "profile-42", n.ProfileID)
	assert.Equal(t, "our churn doubled after the pricing change", n.Situation)
	assert.Equal(t, "budget under 10k|keep legal happy|no new hires", n.Constraints)
}
