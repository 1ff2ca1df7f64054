package email

import "strings"

// MatchKind says which rule a message satisfied.
type MatchKind int

const (
	MatchNone MatchKind = iota
	MatchKeyword
	MatchDomain
	MatchBoth
)

func (k MatchKind) String() string {
	switch k {
	case MatchKeyword:
		return "keyword"
	case MatchDomain:
		return "domain"
	case MatchBoth:
		return "keyword+domain"
	default:
		return "none"
	}
}

// Filter decides whether a message is relevant. Keywords match
// case-insensitively against the subject and body; domains match the sender
// address suffix. The rules are OR-ed: either one is enough. An empty filter
// accepts everything.
type Filter struct {
	Keywords []string
	Domains  []string
}

func NewFilter(keywords, domains []string) *Filter {
	f := &Filter{}
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			f.Keywords = append(f.Keywords, strings.ToLower(k))
		}
	}
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		d = strings.TrimPrefix(d, "@")
		if d != "" {
			f.Domains = append(f.Domains, d)
		}
	}
	return f
}

// Match reports how the message matched the filter.
func (f *Filter) Match(m *Message) MatchKind {
	if len(f.Keywords) == 0 && len(f.Domains) == 0 {
		return MatchKeyword
	}

	var kw, dom bool
	if len(f.Keywords) > 0 {
		haystack := strings.ToLower(m.Subject + "\n" + m.Body)
		for _, k := range f.Keywords {
			if strings.Contains(haystack, k) {
				kw = true
				break
			}
		}
	}
	if len(f.Domains) > 0 {
		from := strings.ToLower(m.From)
		at := strings.LastIndexByte(from, '@')
		if at >= 0 {
			sender := from[at+1:]
			for _, d := range f.Domains {
				if sender == d || strings.HasSuffix(sender, "."+d) {
					dom = true
					break
				}
			}
		}
	}

	switch {
	case kw && dom:
		return MatchBoth
	case kw:
		return MatchKeyword
	case dom:
		return MatchDomain
	default:
		return MatchNone
	}
}
