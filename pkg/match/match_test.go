package match

import (
	"context"
	"regexp"
	"testing"

	"github.com/botloom/loom/pkg/domain"
)

func msgWithText(text string) *domain.Message {
	m := domain.NewMessage(domain.ChannelConsole, nil)
	m.Text = text
	return m
}

func TestLiteralCaseInsensitive(t *testing.T) {
	tests := []struct {
		pattern string
		text    string
		want    bool
	}{
		{"hello", "hello", true},
		{"hello", "HELLO there", true},
		{"hello", "say Hello", true},
		{"hello", "goodbye", false},
		{"colou?r", "my COLOR", true},
		{"^deploy (.*)$", "deploy api", true},
		{"^deploy (.*)$", "please deploy api", false},
	}

	for _, tt := range tests {
		p, err := Literal(tt.pattern)
		if err != nil {
			t.Fatalf("Literal(%q): %v", tt.pattern, err)
		}
		got, err := p.Match(context.Background(), msgWithText(tt.text))
		if err != nil {
			t.Fatalf("Match(%q, %q): %v", tt.pattern, tt.text, err)
		}
		if got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.text, got, tt.want)
		}
	}
}

func TestLiteralRejectsBadExpression(t *testing.T) {
	if _, err := Literal("("); err == nil {
		t.Fatal("expected error for unbalanced expression")
	}
}

func TestTextPatternsNeverMatchEmptyText(t *testing.T) {
	p := MustLiteral(".*")
	got, err := p.Match(context.Background(), msgWithText(""))
	if err != nil {
		t.Fatal(err)
	}
	if got {
		t.Error("text pattern matched a message without text")
	}
}

func TestFuncPredicate(t *testing.T) {
	p := Func(func(ctx context.Context, msg *domain.Message) (bool, error) {
		return msg.User == "ada", nil
	})

	m := msgWithText("")
	m.User = "ada"
	if got, _ := p.Match(context.Background(), m); !got {
		t.Error("predicate should match user ada")
	}
	m.User = "grace"
	if got, _ := p.Match(context.Background(), m); got {
		t.Error("predicate should not match user grace")
	}
}

func TestFindSubmatch(t *testing.T) {
	p := Regexp(regexp.MustCompile(`(?i)^deploy (\w+)$`))
	groups := p.FindSubmatch(msgWithText("deploy api"))
	if len(groups) != 2 || groups[1] != "api" {
		t.Fatalf("FindSubmatch = %v, want [deploy api, api]", groups)
	}
	if got := p.FindSubmatch(msgWithText("nothing")); got != nil {
		t.Errorf("FindSubmatch on non-match = %v, want nil", got)
	}
}
