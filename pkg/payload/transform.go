package payload

import (
	"strconv"
	"unicode/utf8"
)

// Visitor inspects one node after its children were rewritten. Returning
// keep=false removes the node from its parent object or array.
type Visitor func(path string, v Value) (out Value, keep bool)

// Transform rewrites v bottom-up. Paths use "$" for the root, ".name" for
// object members and "[i]" for array elements.
func Transform(v Value, visit Visitor) Value {
	out, keep := transform("$", v, visit)
	if !keep {
		return NullValue()
	}
	return out
}

func transform(path string, v Value, visit Visitor) (Value, bool) {
	switch v.kind {
	case Array:
		items := make([]Value, 0, len(v.arr))
		for i, item := range v.arr {
			if out, keep := transform(path+"["+strconv.Itoa(i)+"]", item, visit); keep {
				items = append(items, out)
			}
		}
		v = ArrayValue(items...)
	case Object:
		fields := make(map[string]Value, len(v.obj))
		for k, item := range v.obj {
			if out, keep := transform(path+"."+k, item, visit); keep {
				fields[k] = out
			}
		}
		v = ObjectValue(fields)
	}
	return visit(path, v)
}

// StripNulls drops null members from every object. Nulls inside arrays are
// positional and kept.
func StripNulls(v Value) Value {
	return Transform(v, func(path string, node Value) (Value, bool) {
		if node.kind != Object {
			return node, true
		}
		for k, f := range node.obj {
			if f.kind == Null {
				delete(node.obj, k)
			}
		}
		return node, true
	})
}

// Truncation records one string that was shortened.
type Truncation struct {
	Path           string `json:"path"`
	OriginalLength int    `json:"originalLength"`
}

const (
	truncatedSuffix      = "..."
	truncatedFlagSuffix  = "_truncated"
	originalLengthSuffix = "_originalLength"
)

// Truncate shortens every string longer than maxLen characters to maxLen
// characters followed by "...". Object members that were shortened gain two
// siblings, "<name>_truncated": true and "<name>_originalLength": n. All
// truncations, including those inside arrays, are returned.
func Truncate(v Value, maxLen int) (Value, []Truncation) {
	if maxLen <= 0 {
		return v, nil
	}
	var truncations []Truncation
	out, _ := truncate("$", v, maxLen, &truncations)
	return out, truncations
}

// truncate returns the rewritten node and, when the node itself was a
// shortened string, its original rune count.
func truncate(path string, v Value, maxLen int, truncations *[]Truncation) (Value, int) {
	switch v.kind {
	case String:
		if n := utf8.RuneCountInString(v.str); n > maxLen {
			*truncations = append(*truncations, Truncation{Path: path, OriginalLength: n})
			return StringValue(cutRunes(v.str, maxLen) + truncatedSuffix), n
		}
	case Array:
		items := make([]Value, len(v.arr))
		for i, item := range v.arr {
			items[i], _ = truncate(path+"["+strconv.Itoa(i)+"]", item, maxLen, truncations)
		}
		return ArrayValue(items...), 0
	case Object:
		fields := make(map[string]Value, len(v.obj))
		shortened := map[string]int{}
		for k, item := range v.obj {
			out, n := truncate(path+"."+k, item, maxLen, truncations)
			fields[k] = out
			if n > 0 {
				shortened[k] = n
			}
		}
		// flags are set last and overwrite input members of the same name
		for k, n := range shortened {
			fields[k+truncatedFlagSuffix] = BoolValue(true)
			fields[k+originalLengthSuffix] = IntValue(int64(n))
		}
		return ObjectValue(fields), 0
	}
	return v, 0
}

func cutRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
