// Package xmlprovider implements the XML-over-HTTP provider variant:
// parses the fetched body into an XML document and exposes typed
// xpath accessors with int/float/transliterated-string coercion.
package xmlprovider

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/antchfx/xmlquery"
	"github.com/cuemby/sentinel/internal/provider"
	"github.com/cuemby/sentinel/internal/provider/httpprovider"
	"github.com/rs/zerolog"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Config configures the XML provider's parsing behavior, layered on
// top of the embedded HTTP fetch configuration.
type Config struct {
	HTTP             httpprovider.Config
	StrDecodeUnicode bool
}

// Provider fetches an XML document over HTTP and evaluates xpath
// expressions against it.
type Provider struct {
	*httpprovider.Provider
	provider.Base
	cfg  Config
	log  zerolog.Logger
	root *xmlquery.Node
}

// New creates an XML provider for componentID.
func New(componentID string, cfg Config, log zerolog.Logger) *Provider {
	return &Provider{
		Provider: httpprovider.New(componentID, cfg.HTTP, log),
		Base:     provider.NewBase(componentID),
		cfg:      cfg,
		log:      log,
	}
}

// Update refreshes the underlying HTTP fetch and reparses the document
// when new data arrived or no document has been parsed yet.
func (p *Provider) Update() (bool, error) {
	fetched, err := p.Provider.Update()
	if err != nil {
		return false, err
	}
	if fetched || p.root == nil {
		doc, perr := xmlquery.Parse(bytes.NewReader(p.Provider.Data()))
		if perr != nil {
			return false, fmt.Errorf("failed to parse xml document: %w", perr)
		}
		p.root = doc
		return true, nil
	}
	return false, nil
}

// Xpath evaluates an xpath expression against the current document,
// returning the first match coerced to int, float, or a (optionally
// transliterated) string, optionally tracked as a diff series.
func (p *Provider) Xpath(xpath string, diff bool) (any, error) {
	if _, err := p.Update(); err != nil {
		return nil, err
	}
	node := xmlquery.FindOne(p.root, xpath)
	if node == nil {
		return nil, fmt.Errorf("the xpath %q cannot be evaluated", xpath)
	}
	return p.coerce(xpath, node.InnerText(), diff)
}

func (p *Provider) coerce(xpath, raw string, diff bool) (any, error) {
	trimmed := strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		if !diff {
			return n, nil
		}
		return p.applyDiff(xpath, float64(n), diff), nil
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return p.applyDiff(xpath, f, diff), nil
	}
	if p.cfg.StrDecodeUnicode {
		return transliterate(raw), nil
	}
	return raw, nil
}

func (p *Provider) applyDiff(xpath string, v float64, diff bool) float64 {
	if !diff {
		return v
	}
	return p.Base.Diff(xpath, v)
}

// transliterate strips diacritics to approximate unidecode's ASCII
// folding (e.g. "café" -> "cafe").
func transliterate(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
