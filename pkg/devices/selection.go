package devices

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Selection is the requested device set: either every visible device or an
// ordered list of indices.
type Selection struct {
	All     bool
	Indices []int
}

// AllDevices selects every visible device.
func AllDevices() Selection { return Selection{All: true} }

// ErrInvalidSelection indicates a selection that cannot be satisfied.
var ErrInvalidSelection = errors.New("invalid device selection")

// ParseSelection accepts "all", "" (all), or a comma-separated index list.
func ParseSelection(s string) (Selection, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "all" {
		return AllDevices(), nil
	}
	var out Selection
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		i, err := strconv.Atoi(part)
		if err != nil || i < 0 {
			return Selection{}, fmt.Errorf("%w: %q is not a device index", ErrInvalidSelection, part)
		}
		out.Indices = append(out.Indices, i)
	}
	return out, out.validate()
}

func (s Selection) validate() error {
	seen := map[int]bool{}
	for _, i := range s.Indices {
		if i < 0 {
			return fmt.Errorf("%w: negative index %d", ErrInvalidSelection, i)
		}
		if seen[i] {
			return fmt.Errorf("%w: index %d listed twice", ErrInvalidSelection, i)
		}
		seen[i] = true
	}
	return nil
}

func (s Selection) String() string {
	if s.All {
		return "all"
	}
	return FormatIndices(s.Indices)
}

// Resolve fixes the selection against the enumerated devices. "all" resolves
// to every available index (possibly none, for CPU-only hosts); explicit
// indices must all be present. When enumeration was unavailable, pass nil
// available and explicit indices are trusted as given.
func Resolve(sel Selection, available []Device) ([]int, error) {
	if sel.All {
		out := make([]int, 0, len(available))
		for _, d := range available {
			out = append(out, d.Index)
		}
		return out, nil
	}
	if err := sel.validate(); err != nil {
		return nil, err
	}
	if available == nil {
		return append([]int(nil), sel.Indices...), nil
	}
	present := map[int]bool{}
	for _, d := range available {
		present[d.Index] = true
	}
	for _, i := range sel.Indices {
		if !present[i] {
			return nil, fmt.Errorf("%w: device %d is not visible (%d devices found)", ErrInvalidSelection, i, len(available))
		}
	}
	return append([]int(nil), sel.Indices...), nil
}

// FormatIndices renders indices the way CUDA_VISIBLE_DEVICES expects.
func FormatIndices(indices []int) string {
	parts := make([]string, len(indices))
	for i, v := range indices {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// UnmarshalYAML accepts `all`, a sequence of indices, or a comma string.
func (s *Selection) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		sel, err := ParseSelection(node.Value)
		if err != nil {
			return err
		}
		*s = sel
		return nil
	case yaml.SequenceNode:
		var idx []int
		if err := node.Decode(&idx); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSelection, err)
		}
		sel := Selection{Indices: idx}
		if err := sel.validate(); err != nil {
			return err
		}
		*s = sel
		return nil
	default:
		return fmt.Errorf("%w: expected \"all\" or a list of indices", ErrInvalidSelection)
	}
}

func (s Selection) MarshalYAML() (any, error) {
	if s.All {
		return "all", nil
	}
	return s.Indices, nil
}

// UnmarshalJSON accepts "all", an array of indices, or a comma string.
func (s *Selection) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		sel, err := ParseSelection(str)
		if err != nil {
			return err
		}
		*s = sel
		return nil
	}
	var one int
	if err := json.Unmarshal(b, &one); err == nil {
		b = []byte("[" + strconv.Itoa(one) + "]")
	}
	var idx []int
	if err := json.Unmarshal(b, &idx); err != nil {
		return fmt.Errorf("%w: expected \"all\" or a list of indices", ErrInvalidSelection)
	}
	sel := Selection{Indices: idx}
	if err := sel.validate(); err != nil {
		return err
	}
	*s = sel
	return nil
}

func (s Selection) MarshalJSON() ([]byte, error) {
	if s.All {
		return json.Marshal("all")
	}
	if s.Indices == nil {
		return json.Marshal([]int{})
	}
	return json.Marshal(s.Indices)
}
