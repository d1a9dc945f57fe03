package export

import (
	"path/filepath"
	"testing"
)

func TestNewParams_Defaults(t *testing.T) {
	p, err := NewParams("", "", DefaultPort)
	if err != nil {
		t.Fatalf("NewParams: %v", err)
	}
	if p.Deck != "demo" || p.Port != 4173 {
		t.Fatalf("unexpected defaults: %+v", p)
	}
	if p.Out != filepath.Join("output", "demo.pdf") {
		t.Fatalf("expected output/demo.pdf, got %q", p.Out)
	}

	p, err = NewParams("variant-b", "", 5000)
	if err != nil {
		t.Fatalf("NewParams: %v", err)
	}
	if p.Out != filepath.Join("output", "variant-b.pdf") {
		t.Fatalf("out must follow the deck name, got %q", p.Out)
	}
}

func TestNewParams_Invalid(t *testing.T) {
	tests := []struct {
		name string
		deck string
		port int
	}{
		{name: "port zero", deck: "demo", port: 0},
		{name: "port too large", deck: "demo", port: 70000},
		{name: "deck with slash", deck: "../etc", port: 4173},
		{name: "dot deck", deck: "..", port: 4173},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewParams(tc.deck, "", tc.port)
			if _, ok := err.(ConfigError); !ok {
				t.Fatalf("expected ConfigError, got %v", err)
			}
		})
	}
}

func TestParamsURLs(t *testing.T) {
	p := Params{Deck: "demo", Out: "x.pdf", Port: 4173}

	if got := p.PreviewURL("127.0.0.1"); got != "http://127.0.0.1:4173" {
		t.Fatalf("PreviewURL = %q", got)
	}
	if got := p.PreviewURL("::1"); got != "http://[::1]:4173" {
		t.Fatalf("PreviewURL ipv6 = %q", got)
	}
	if got := p.PrintURL("127.0.0.1", "/decks/{deck}/", "view=print"); got != "http://127.0.0.1:4173/decks/demo/?view=print" {
		t.Fatalf("PrintURL = %q", got)
	}
	if got := p.PrintURL("", "slides/{deck}.html", ""); got != "http://127.0.0.1:4173/slides/demo.html" {
		t.Fatalf("PrintURL without query = %q", got)
	}

	spaced := Params{Deck: "q3 review", Port: 80}
	if got := spaced.PrintURL("localhost", "/decks/{deck}/", "view=print"); got != "http://localhost:80/decks/q3%20review/?view=print" {
		t.Fatalf("PrintURL escaping = %q", got)
	}
}

func TestParamsAbsOut(t *testing.T) {
	p := Params{Out: filepath.Join("output", "demo.pdf")}
	abs, err := p.AbsOut()
	if err != nil {
		t.Fatalf("AbsOut: %v", err)
	}
	if !filepath.IsAbs(abs) || filepath.Base(abs) != "demo.pdf" {
		t.Fatalf("unexpected abs path %q", abs)
	}
}
