package replica

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// paths address a location in a replica's data tree.
// a path is parsed once at the call boundary into typed segments,
// rather than re-split on every access.
// segments are case-sensitive and not sanitized.

// comparable
type Segment struct {
	key     string
	index   int
	indexed bool
}

func Key(key string) Segment {
	return Segment{
		key: key,
	}
}

func Index(index int) Segment {
	return Segment{
		index:   index,
		indexed: true,
	}
}

func (self Segment) Indexed() bool {
	return self.indexed
}

func (self Segment) Index() int {
	return self.index
}

// the mapping key form of the segment.
// an indexed segment applied to a mapping uses its decimal rendering.
func (self Segment) Key() string {
	if self.indexed {
		return strconv.Itoa(self.index)
	}
	return self.key
}

type Path []Segment

// parses a dotted path string, e.g. "inventory.items.0".
// segments that parse as non-negative integers become array indexes.
func ParsePath(pathStr string) Path {
	if pathStr == "" {
		return Path{}
	}
	parts := strings.Split(pathStr, ".")
	path := make(Path, 0, len(parts))
	for _, part := range parts {
		if index, err := strconv.Atoi(part); err == nil && 0 <= index {
			path = append(path, Index(index))
		} else {
			path = append(path, Key(part))
		}
	}
	return path
}

// segments travel typed on the wire: a key segment as a json string, an
// index segment as a json number. the dotted string form is ambiguous for
// numeric-looking keys and is only a display/parse convenience.
func (self Segment) MarshalJSON() ([]byte, error) {
	if self.indexed {
		return json.Marshal(self.index)
	}
	return json.Marshal(self.key)
}

func (self *Segment) UnmarshalJSON(src []byte) error {
	var key string
	if err := json.Unmarshal(src, &key); err == nil {
		*self = Key(key)
		return nil
	}
	var index int
	if err := json.Unmarshal(src, &index); err != nil {
		return fmt.Errorf("path segment must be a string or integer: %s", src)
	}
	if index < 0 {
		return fmt.Errorf("path index must be non-negative: %d", index)
	}
	*self = Index(index)
	return nil
}

func (self Path) String() string {
	parts := make([]string, len(self))
	for i, segment := range self {
		parts[i] = segment.Key()
	}
	return strings.Join(parts, ".")
}

// returns the value at `path` under `root`.
// ok is false when any intermediate segment is missing or not a container.
func Read(root map[string]any, path Path) (any, bool) {
	var current any = root
	for _, segment := range path {
		switch container := current.(type) {
		case map[string]any:
			value, ok := container[segment.Key()]
			if !ok {
				return nil, false
			}
			current = value
		case []any:
			if !segment.Indexed() {
				return nil, false
			}
			if segment.Index() < 0 || len(container) <= segment.Index() {
				return nil, false
			}
			current = container[segment.Index()]
		default:
			return nil, false
		}
	}
	return current, true
}

// sets the final segment of `path` under `root` to `value`, returning the previous value.
// intermediate containers are created as needed: a mapping for a key segment,
// an array for an index segment (grown with nils up to the index).
// a non-container found at an intermediate segment is overwritten with a fresh
// container. this is intended destructive-write behavior, not an error.
// an index segment applied to an existing mapping, the root included,
// addresses the mapping by the decimal key, never replacing the mapping.
func Write(root map[string]any, path Path, value any) any {
	if len(path) == 0 {
		return nil
	}
	key := path[0].Key()
	if len(path) == 1 {
		previous := root[key]
		root[key] = value
		return previous
	}
	var previous any
	root[key], previous = write(root[key], path[1:], value)
	return previous
}

func write(current any, path Path, value any) (any, any) {
	segment := path[0]
	if _, isMap := current.(map[string]any); segment.Indexed() && !isMap {
		s, _ := current.([]any)
		for len(s) <= segment.Index() {
			s = append(s, nil)
		}
		if len(path) == 1 {
			previous := s[segment.Index()]
			s[segment.Index()] = value
			return s, previous
		}
		var previous any
		s[segment.Index()], previous = write(s[segment.Index()], path[1:], value)
		return s, previous
	}
	m, ok := current.(map[string]any)
	if !ok {
		m = map[string]any{}
	}
	if len(path) == 1 {
		previous := m[segment.Key()]
		m[segment.Key()] = value
		return m, previous
	}
	var previous any
	m[segment.Key()], previous = write(m[segment.Key()], path[1:], value)
	return m, previous
}
