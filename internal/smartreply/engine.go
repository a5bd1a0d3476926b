// Package smartreply derives short contextual reply candidates from the most
// recent inbound chat message. Suggestion generation is a pure function over
// the message text: a fixed keyword table is matched case-insensitively and
// the matching intents contribute canned replies, ranked most-relevant first.
// There is no model state and no learning; the same input always yields the
// same output.
package smartreply

import "strings"

// MaxSuggestions is the upper bound on replies returned by Suggest.
const MaxSuggestions = 3

// Suggestion is one ranked reply candidate. Rank 0 is the most relevant.
// Suggestions are derived values with no identity or persistence; a new
// inbound message supersedes the previous set entirely.
type Suggestion struct {
	Text string `json:"text"`
	Rank int    `json:"rank"`
}

// rule maps an intent's trigger keywords to its canned replies.
// Keywords are matched as lowercase substrings of the inbound text.
type rule struct {
	name     string
	keywords []string
	replies  []string
}

// rules is the ordered intent table. Order matters: earlier intents
// contribute their replies first when several intents match. The phrasing
// follows the product's field-operations vocabulary (French).
var rules = []rule{
	{
		name:     "greeting",
		keywords: []string{"bonjour", "salut", "ça va", "ca va"},
		replies:  []string{"Bonjour !", "Ça va bien", "Salut"},
	},
	{
		name:     "streetlight",
		keywords: []string{"lampadaire", "éclairage", "eclairage"},
		replies:  []string{"Je m'en occupe", "C'est fait", "Où ?"},
	},
	{
		name:     "outage",
		keywords: []string{"panne", "coupure", "urgent"},
		replies:  []string{"J'arrive", "Envoyez l'adresse", "Besoin d'aide ?"},
	},
	{
		name:     "thanks",
		keywords: []string{"merci"},
		replies:  []string{"De rien", "Avec plaisir", "Bonne journée"},
	},
}

// defaultReplies is used when no intent matches a non-empty message.
var defaultReplies = []string{"Ok", "Entendu", "Merci"}

// Engine generates reply suggestions. It is stateless and safe for
// concurrent use by any number of sessions.
type Engine struct{}

// NewEngine returns an Engine backed by the built-in intent table.
func NewEngine() *Engine {
	return &Engine{}
}

// Suggest returns at most MaxSuggestions ranked reply candidates for the
// given inbound message text. An empty or whitespace-only input yields no
// suggestions. The result never contains duplicate texts.
func (e *Engine) Suggest(text string) []Suggestion {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	lower := strings.ToLower(text)

	var picked []string
	seen := make(map[string]bool)
	for _, r := range rules {
		if !matches(lower, r.keywords) {
			continue
		}
		for _, reply := range r.replies {
			if len(picked) == MaxSuggestions {
				break
			}
			if !seen[reply] {
				seen[reply] = true
				picked = append(picked, reply)
			}
		}
	}
	if len(picked) == 0 {
		picked = defaultReplies
	}

	out := make([]Suggestion, 0, MaxSuggestions)
	for i, text := range picked {
		if i == MaxSuggestions {
			break
		}
		out = append(out, Suggestion{Text: text, Rank: i})
	}
	return out
}

// matches reports whether any keyword occurs in the lowercased text.
func matches(lower string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
