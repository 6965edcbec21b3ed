// Package csvprovider implements the CSV-over-HTTP provider variant:
// delimiter-split row parsing and a typed field accessor with the same
// int/float/string coercion rules as the XML provider.
package csvprovider

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/cuemby/sentinel/internal/provider"
	"github.com/cuemby/sentinel/internal/provider/httpprovider"
	"github.com/rs/zerolog"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Config configures the CSV provider's parsing behavior.
type Config struct {
	HTTP             httpprovider.Config
	Delimiter        string
	StrDecodeUnicode bool
}

// Provider fetches a delimited CSV document over HTTP and exposes a
// row/column field accessor.
type Provider struct {
	*httpprovider.Provider
	provider.Base
	cfg    Config
	log    zerolog.Logger
	header []string
	lines  [][]string
}

// New creates a CSV provider for componentID.
func New(componentID string, cfg Config, log zerolog.Logger) *Provider {
	if cfg.Delimiter == "" {
		cfg.Delimiter = ";"
	}
	return &Provider{
		Provider: httpprovider.New(componentID, cfg.HTTP, log),
		Base:     provider.NewBase(componentID),
		cfg:      cfg,
		log:      log,
	}
}

// Update refreshes the underlying HTTP fetch and re-parses rows when
// new data arrived.
func (p *Provider) Update() (bool, error) {
	fetched, err := p.Provider.Update()
	if err != nil {
		return false, err
	}
	if !fetched {
		return false, nil
	}

	s := string(p.Provider.Data())
	var header []string
	var lines [][]string
	for _, l := range strings.Split(s, "\r\n") {
		if header == nil {
			header = strings.Split(l, p.cfg.Delimiter)
			continue
		}
		if strings.TrimSpace(l) != "" {
			lines = append(lines, strings.Split(l, p.cfg.Delimiter))
		}
	}
	p.header = header
	p.lines = lines
	return true, nil
}

// Field returns the value at rowIndex (negative indices count from the
// end, per Python slicing) in the column named name, coerced to int,
// float, or string (transliterated to ASCII when StrDecodeUnicode is
// set).
func (p *Provider) Field(rowIndex int, name string) (any, error) {
	if _, err := p.Update(); err != nil {
		return nil, err
	}
	col := -1
	for i, h := range p.header {
		if h == name {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("the column %q does not exist", name)
	}
	idx := rowIndex
	if idx < 0 {
		idx += len(p.lines)
	}
	if idx < 0 || idx >= len(p.lines) {
		return nil, fmt.Errorf("row index %d out of range", rowIndex)
	}
	raw := p.lines[idx][col]
	v := coerce(raw)
	if s, ok := v.(string); ok && p.cfg.StrDecodeUnicode {
		t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
		if out, _, err := transform.String(t, s); err == nil {
			return out, nil
		}
	}
	return v, nil
}

func coerce(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	return raw
}
