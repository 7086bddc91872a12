package pipeline

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Scalar is a matrix value: string, number or bool. Values stringify at
// interpolation points.
type Scalar struct {
	raw any
}

// String wraps a string scalar.
func String(v string) Scalar { return Scalar{raw: v} }

// Number wraps a numeric scalar.
func Number(v float64) Scalar { return Scalar{raw: v} }

// Int wraps an integer scalar.
func Int(v int) Scalar { return Scalar{raw: v} }

// Bool wraps a boolean scalar.
func Bool(v bool) Scalar { return Scalar{raw: v} }

// Equal compares scalars by their stringification.
func (s Scalar) Equal(other Scalar) bool {
	return s.String() == other.String()
}

// String renders the scalar the way it appears in env values and names.
func (s Scalar) String() string {
	switch v := s.raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// UnmarshalYAML decodes a YAML scalar preserving its kind.
func (s *Scalar) UnmarshalYAML(node *yaml.Node) error {
	switch node.Tag {
	case "!!bool":
		var v bool
		if err := node.Decode(&v); err != nil {
			return err
		}
		s.raw = v
	case "!!int":
		var v int64
		if err := node.Decode(&v); err != nil {
			return err
		}
		s.raw = v
	case "!!float":
		var v float64
		if err := node.Decode(&v); err != nil {
			return err
		}
		s.raw = v
	default:
		var v string
		if err := node.Decode(&v); err != nil {
			return err
		}
		s.raw = v
	}
	return nil
}
