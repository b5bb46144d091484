package capabilities

import (
	"encoding/json"
	"strings"

	"github.com/CodinGame/languageserver-mutualized/utils"
)

// Selector is a parsed LSP DocumentSelector: a string (bare language id), a
// single filter, or an array of either (any-of semantics), per spec.md
// §4.2's document-selector matching rules.
type Selector interface {
	matches(doc Document) bool
}

// languageSelector matches a bare language-id string form of
// DocumentSelector.
type languageSelector string

func (s languageSelector) matches(doc Document) bool {
	return string(s) == doc.LanguageID
}

// filterSelector is the object form: {language?, scheme?, pattern?} or the
// relative-pattern form {language?, scheme?, pattern: {baseUri, pattern}}.
// Every non-empty field present must match (AND semantics within one
// filter); an absent field imposes no constraint.
type filterSelector struct {
	language string
	scheme   string

	// exactly one of pattern/ relBaseURI+relPattern is populated, or
	// neither when the filter carries no pattern constraint at all.
	pattern    string
	relBaseURI string
	relPattern string
	hasPattern bool
}

func (f filterSelector) matches(doc Document) bool {
	if f.language != "" && f.language != doc.LanguageID {
		return false
	}
	if f.scheme != "" && !hasScheme(string(doc.URI), f.scheme) {
		return false
	}
	if !f.hasPattern {
		return true
	}

	path := utils.CleanGlobPath(uriPath(string(doc.URI)))
	if f.relBaseURI != "" {
		base := utils.CleanBasePath(uriPath(f.relBaseURI))
		if !utils.IsDescendant(base, path) {
			return false
		}
		rel, ok := utils.RelGlobPath(base, path)
		if !ok {
			return false
		}
		return utils.MatchGlob(f.relPattern, rel)
	}
	return utils.MatchGlob(f.pattern, path)
}

// anySelector is the array form: matches if any element matches.
type anySelector []Selector

func (a anySelector) matches(doc Document) bool {
	for _, s := range a {
		if s.matches(doc) {
			return true
		}
	}
	return false
}

// ParseSelector decodes a raw JSON DocumentSelector value into a Selector.
func ParseSelector(raw json.RawMessage) (Selector, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "null" || trimmed == "" {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		out := make(anySelector, 0, len(items))
		for _, item := range items {
			s, err := parseSelectorElement(item)
			if err != nil {
				return nil, err
			}
			if s != nil {
				out = append(out, s)
			}
		}
		return out, nil
	}

	return parseSelectorElement(raw)
}

func parseSelectorElement(raw json.RawMessage) (Selector, error) {
	trimmed := strings.TrimSpace(string(raw))
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var lang string
		if err := json.Unmarshal(raw, &lang); err != nil {
			return nil, err
		}
		return languageSelector(lang), nil
	}

	var obj struct {
		Language string          `json:"language"`
		Scheme   string          `json:"scheme"`
		Pattern  json.RawMessage `json:"pattern"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}

	f := filterSelector{language: obj.Language, scheme: obj.Scheme}
	if len(obj.Pattern) > 0 {
		patTrim := strings.TrimSpace(string(obj.Pattern))
		if len(patTrim) > 0 && patTrim[0] == '"' {
			var p string
			if err := json.Unmarshal(obj.Pattern, &p); err != nil {
				return nil, err
			}
			f.pattern = p
			f.hasPattern = true
		} else {
			var rel struct {
				BaseURI string `json:"baseUri"`
				Pattern string `json:"pattern"`
			}
			if err := json.Unmarshal(obj.Pattern, &rel); err != nil {
				return nil, err
			}
			f.relBaseURI = rel.BaseURI
			f.relPattern = rel.Pattern
			f.hasPattern = true
		}
	}
	return f, nil
}

// MatchesSelector reports whether doc matches sel. A nil selector (absent
// documentSelector) matches every document, per LSP convention for
// registrations that omit it.
func MatchesSelector(sel Selector, doc Document) bool {
	if sel == nil {
		return true
	}
	return sel.matches(doc)
}

func hasScheme(uri, scheme string) bool {
	return strings.HasPrefix(uri, scheme+":")
}

func uriPath(uri string) string {
	if idx := strings.Index(uri, "://"); idx >= 0 {
		return uri[idx+3:]
	}
	return uri
}
