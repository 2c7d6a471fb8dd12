package probe

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strings"
)

// Prober executes configured extractors against probe output.
type Prober struct {
	extractors []extractor
}

type extractor interface {
	Name() string
	Extract(data []byte) (string, bool, error)
}

func New(cfg Config) (*Prober, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	extractors := make([]extractor, 0, len(cfg.Extract))
	for _, e := range cfg.Extract {
		switch e.Type {
		case TypeKeyValue:
			key := e.Key
			if key == "" {
				key = e.Name
			}
			extractors = append(extractors, &keyValueExtractor{name: e.Name, key: key})
		case TypeRegex:
			re, err := regexp.Compile(e.Pattern)
			if err != nil {
				return nil, err
			}
			extractors = append(extractors, &regexExtractor{name: e.Name, re: re, group: e.Group})
		default:
			return nil, fmt.Errorf("unsupported extractor type %q", e.Type)
		}
	}

	return &Prober{extractors: extractors}, nil
}

// Probe returns derived fields. Missing fields are omitted.
func (p *Prober) Probe(data []byte) (map[string]string, error) {
	out := map[string]string{}
	for _, ex := range p.extractors {
		v, ok, err := ex.Extract(data)
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", ex.Name(), err)
		}
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out[ex.Name()] = v
	}
	return out, nil
}

// ParseKeyValues returns every `key: value` line in data. Later lines win.
// Lines without a colon, and lines with an empty key, are skipped.
func ParseKeyValues(data []byte) map[string]string {
	out := map[string]string{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		k, v, ok := splitKeyValue(sc.Text())
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

func splitKeyValue(line string) (string, string, bool) {
	k, v, ok := strings.Cut(line, ":")
	if !ok {
		return "", "", false
	}
	k = strings.TrimSpace(k)
	if k == "" || strings.ContainsAny(k, " \t") {
		return "", "", false
	}
	return k, strings.TrimSpace(v), true
}

type keyValueExtractor struct {
	name string
	key  string
}

func (e *keyValueExtractor) Name() string { return e.name }

func (e *keyValueExtractor) Extract(data []byte) (string, bool, error) {
	v, ok := ParseKeyValues(data)[e.key]
	return v, ok, nil
}

type regexExtractor struct {
	name  string
	re    *regexp.Regexp
	group int
}

func (e *regexExtractor) Name() string { return e.name }

func (e *regexExtractor) Extract(data []byte) (string, bool, error) {
	if e.re == nil {
		return "", false, fmt.Errorf("regex is nil")
	}
	m := e.re.FindSubmatch(data)
	if len(m) == 0 {
		return "", false, nil
	}
	if e.group < 0 || e.group >= len(m) {
		return "", false, fmt.Errorf("group %d out of range", e.group)
	}
	return string(m[e.group]), true, nil
}
