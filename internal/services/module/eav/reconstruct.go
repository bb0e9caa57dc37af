package eav

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/lorevault/lorevault/internal/services/module/domain"
)

// Reconstruct rebuilds an entity's data payload from its property rows.
// Paths parse into key and index segments; index segments grow arrays to
// size, leaving null holes at skipped positions. Each leaf takes the
// value of whichever typed column its row populates.
func Reconstruct(rows []domain.Property) (map[string]any, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	ordered := make([]domain.Property, len(rows))
	copy(ordered, rows)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Path < ordered[j].Path
	})

	root := make(map[string]any)
	for _, row := range ordered {
		segments, err := parsePath(row.Path)
		if err != nil {
			return nil, err
		}
		leaf, err := row.Value.Decode()
		if err != nil {
			return nil, fmt.Errorf("row %s: %w", row.Path, err)
		}
		if err := assign(root, segments, leaf); err != nil {
			return nil, fmt.Errorf("row %s: %w", row.Path, err)
		}
	}
	materialize(root)
	return root, nil
}

// materialize settles grown arrays in place: during assembly arrays
// travel as *[]any so growth is visible to parents.
func materialize(obj map[string]any) {
	for key, value := range obj {
		obj[key] = materializeValue(value)
	}
}

func materializeValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		materialize(v)
		return v
	case *[]any:
		s := *v
		for i := range s {
			s[i] = materializeValue(s[i])
		}
		return s
	default:
		return value
	}
}

type segment struct {
	key     string
	index   int
	isIndex bool
}

func parsePath(path string) ([]segment, error) {
	if path == "" {
		return nil, fmt.Errorf("empty property path")
	}
	parts := strings.Split(path, ".")
	segments := make([]segment, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("malformed property path %q", path)
		}
		if isAllDigits(part) {
			index, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("malformed index in path %q: %w", path, err)
			}
			segments = append(segments, segment{index: index, isIndex: true})
			continue
		}
		segments = append(segments, segment{key: part})
	}
	if segments[0].isIndex {
		return nil, fmt.Errorf("property path %q starts with an index", path)
	}
	return segments, nil
}

// assign walks the segments, materializing maps for key segments and
// index-sized slices for index segments, then sets the leaf.
func assign(root map[string]any, segments []segment, leaf any) error {
	var container any = root
	for i, seg := range segments {
		last := i == len(segments)-1

		switch c := container.(type) {
		case map[string]any:
			if !seg.isIndex {
				if last {
					c[seg.key] = leaf
					return nil
				}
				next, err := childFor(c[seg.key], segments[i+1])
				if err != nil {
					return err
				}
				c[seg.key] = next
				container = c[seg.key]
				continue
			}
			return fmt.Errorf("index segment into object")
		case *[]any:
			if !seg.isIndex {
				return fmt.Errorf("key segment %q into array", seg.key)
			}
			grow(c, seg.index)
			if last {
				(*c)[seg.index] = leaf
				return nil
			}
			next, err := childFor((*c)[seg.index], segments[i+1])
			if err != nil {
				return err
			}
			(*c)[seg.index] = next
			container = (*c)[seg.index]
		default:
			return fmt.Errorf("leaf and container collide")
		}
	}
	return nil
}

// childFor returns the existing child container, or a fresh one shaped
// by the next segment. Arrays travel as *[]any so growth is visible to
// the parent.
func childFor(existing any, next segment) (any, error) {
	if existing == nil {
		if next.isIndex {
			s := make([]any, 0)
			return &s, nil
		}
		return make(map[string]any), nil
	}
	switch e := existing.(type) {
	case map[string]any:
		if next.isIndex {
			return nil, fmt.Errorf("object and array collide")
		}
		return e, nil
	case *[]any:
		if !next.isIndex {
			return nil, fmt.Errorf("array and object collide")
		}
		return e, nil
	default:
		return nil, fmt.Errorf("leaf and container collide")
	}
}

func grow(s *[]any, index int) {
	for len(*s) <= index {
		*s = append(*s, nil)
	}
}
