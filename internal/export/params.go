package export

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	DefaultDeck = "demo"
	DefaultPort = 4173
)

// Params are the parsed invocation parameters of one export.
type Params struct {
	Deck string
	Out  string
	Port int
}

// NewParams applies defaults and validates. An empty out becomes output/<deck>.pdf.
func NewParams(deck, out string, port int) (Params, error) {
	deck = strings.TrimSpace(deck)
	if deck == "" {
		deck = DefaultDeck
	}
	if strings.ContainsAny(deck, `/\`) || deck == "." || deck == ".." {
		return Params{}, ConfigError{Message: fmt.Sprintf("invalid deck name %q", deck)}
	}
	if out == "" {
		out = filepath.Join("output", deck+".pdf")
	}
	if port < 1 || port > 65535 {
		return Params{}, ConfigError{Message: fmt.Sprintf("invalid port %d: must be between 1 and 65535", port)}
	}
	return Params{Deck: deck, Out: out, Port: port}, nil
}

// AbsOut resolves the output path against the working directory.
func (p Params) AbsOut() (string, error) {
	return filepath.Abs(p.Out)
}

// PreviewURL is the root URL the preview server is probed at.
func (p Params) PreviewURL(host string) string {
	u := url.URL{Scheme: "http", Host: hostPort(host, p.Port), Path: "/"}
	return strings.TrimSuffix(u.String(), "/")
}

// PrintURL is the deck's print view. deckPath may contain {deck}.
func (p Params) PrintURL(host, deckPath, printQuery string) string {
	path := strings.ReplaceAll(deckPath, "{deck}", url.PathEscape(p.Deck))
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := p.PreviewURL(host) + path
	if printQuery != "" {
		u += "?" + printQuery
	}
	return u
}

func hostPort(host string, port int) string {
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(port))
}
