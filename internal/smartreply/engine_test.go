package smartreply

import (
	"reflect"
	"testing"
)

func TestSuggest_Deterministic(t *testing.T) {
	e := NewEngine()
	inputs := []string{
		"Bonjour, ça va ?",
		"Le lampadaire de la rue Ibn Khaldoun est en panne",
		"random text with no keywords",
		"merci beaucoup",
	}
	for _, in := range inputs {
		first := e.Suggest(in)
		second := e.Suggest(in)
		if !reflect.DeepEqual(first, second) {
			t.Errorf("Suggest(%q) not deterministic: %v vs %v", in, first, second)
		}
	}
}

func TestSuggest_BoundAndNoDuplicates(t *testing.T) {
	e := NewEngine()
	// Matches greeting + streetlight + outage intents at once.
	out := e.Suggest("Bonjour, panne de lampadaire urgente")
	if len(out) > MaxSuggestions {
		t.Fatalf("got %d suggestions, max is %d", len(out), MaxSuggestions)
	}
	seen := make(map[string]bool)
	for i, s := range out {
		if seen[s.Text] {
			t.Errorf("duplicate suggestion %q", s.Text)
		}
		seen[s.Text] = true
		if s.Rank != i {
			t.Errorf("suggestion %d has rank %d", i, s.Rank)
		}
	}
}

func TestSuggest_Intents(t *testing.T) {
	e := NewEngine()
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"greeting", "Bonjour !", []string{"Bonjour !", "Ça va bien", "Salut"}},
		{"greeting case insensitive", "BONJOUR tout le monde", []string{"Bonjour !", "Ça va bien", "Salut"}},
		{"streetlight", "le lampadaire clignote", []string{"Je m'en occupe", "C'est fait", "Où ?"}},
		{"outage", "panne secteur zone B", []string{"J'arrive", "Envoyez l'adresse", "Besoin d'aide ?"}},
		{"fallback", "xyzzy", []string{"Ok", "Entendu", "Merci"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := e.Suggest(tt.input)
			if len(out) != len(tt.want) {
				t.Fatalf("got %d suggestions, want %d: %v", len(out), len(tt.want), out)
			}
			for i, s := range out {
				if s.Text != tt.want[i] {
					t.Errorf("suggestion %d = %q, want %q", i, s.Text, tt.want[i])
				}
			}
		})
	}
}

func TestSuggest_EmptyInput(t *testing.T) {
	e := NewEngine()
	if out := e.Suggest(""); len(out) != 0 {
		t.Errorf("empty input should yield no suggestions, got %v", out)
	}
	if out := e.Suggest("   \n "); len(out) != 0 {
		t.Errorf("blank input should yield no suggestions, got %v", out)
	}
}
