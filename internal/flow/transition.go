package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/CollectPipe/internal/models"
	"github.com/BTreeMap/CollectPipe/internal/util"
)

// MinIdentityDigits is the shortest digit run accepted as an identity document.
const MinIdentityDigits = 7

var paymentKeywords = map[string]struct{}{
	// en
	"pay": {}, "paying": {}, "payment": {}, "debt": {}, "account": {}, "regularize": {},
	"link": {}, "yes": {}, "ok": {}, "okay": {}, "sure": {}, "accept": {}, "want": {},
	// es, accent-folded
	"pago": {}, "pagar": {}, "deuda": {}, "cuenta": {}, "regularizar": {},
	"si": {}, "acepto": {}, "quiero": {}, "dale": {},
}

// allowedTransitions is the debtor state diagram. There is no terminal state.
var allowedTransitions = map[models.State][]models.State{
	models.StateGray:   {models.StateGray, models.StateGreen, models.StateYellow, models.StateRed},
	models.StateYellow: {models.StateYellow, models.StateGreen, models.StateRed, models.StateGray},
	models.StateGreen:  {models.StateGreen, models.StateYellow, models.StateRed, models.StateGray},
	models.StateRed:    {models.StateRed, models.StateGreen, models.StateYellow, models.StateGray},
}

// guardedTransitions are the downgrades refused when the inbound message
// confirms identity or talks about paying.
var guardedTransitions = map[models.State]models.State{
	models.StateGreen:  models.StateGray,
	models.StateYellow: models.StateGray,
}

// Transition is the outcome of applying a classification to a debtor.
type Transition struct {
	From      models.State `json:"from"`
	Next      models.State `json:"next"`
	Protected bool         `json:"protected,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

// Changed reports whether the state moves.
func (t Transition) Changed() bool { return t.From != t.Next }

// Allowed reports whether the diagram permits moving from one state to another.
func (Transition) Allowed(from, to models.State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Guarded reports whether moving from one state to another is subject to the
// protection rule.
func (Transition) Guarded(from, to models.State) bool {
	g, ok := guardedTransitions[from]
	return ok && g == to
}

// DecideTransition applies the classifier output to the current state.
// A downgrade from VERDE or AMARILLO to GRIS is refused when the inbound text
// confirms identity or talks about paying.
func DecideTransition(current, classified models.State, inbound string, attrs map[string]any) Transition {
	if !current.Valid() {
		current = models.StateGray
	}
	t := Transition{From: current, Next: classified, Reason: "classified"}
	if !classified.Valid() {
		t.Next = current
		t.Reason = "invalid classification"
		return t
	}
	if !t.Guarded(current, classified) {
		return t
	}
	if tok, ok := identityToken(inbound, attrs); ok {
		t.Next, t.Protected = current, true
		t.Reason = fmt.Sprintf("identity confirmation %q", tok)
		return t
	}
	if kw, ok := paymentKeyword(inbound); ok {
		t.Next, t.Protected = current, true
		t.Reason = fmt.Sprintf("payment keyword %q", kw)
		return t
	}
	return t
}

// identityToken finds a token that looks like an identity document: all
// digits once dots and dashes are removed, with at least MinIdentityDigits
// digits, or equal to the debtor's own dni attribute.
func identityToken(inbound string, attrs map[string]any) (string, bool) {
	known := ""
	if v, ok := attrs["dni"]; ok {
		known = digitsOnly(fmt.Sprint(v))
	}
	for _, tok := range util.Tokens(inbound) {
		d := strings.NewReplacer(".", "", "-", "").Replace(tok)
		if d == "" || digitsOnly(d) != d {
			continue
		}
		if len(d) >= MinIdentityDigits || (known != "" && d == known) {
			return tok, true
		}
	}
	return "", false
}

func paymentKeyword(inbound string) (string, bool) {
	for _, tok := range util.Tokens(util.FoldText(inbound)) {
		if _, ok := paymentKeywords[tok]; ok {
			return tok, true
		}
	}
	return "", false
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}
