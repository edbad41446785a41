package cache

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"workshop-backend/pkg/payload"
)

// Key builds "<namespace>:<id>" and, when params are given, appends a stable
// hash of them: Key("workshop", "42", filters) -> "workshop:42:<16 hex digits>".
func Key(namespace, id string, params ...any) string {
	var b strings.Builder
	b.WriteString(namespace)
	b.WriteByte(':')
	b.WriteString(id)
	if len(params) > 0 {
		b.WriteByte(':')
		b.WriteString(HashParams(params...))
	}
	return b.String()
}

// HashParams hashes the canonical JSON encoding of params, so map key order
// never changes the result. Values that cannot be encoded fall back to their
// %#v form.
func HashParams(params ...any) string {
	d := xxhash.New()
	for i, p := range params {
		if i > 0 {
			_, _ = d.Write([]byte{0})
		}
		_, _ = d.Write(canonical(p))
	}
	return fmt.Sprintf("%016x", d.Sum64())
}

// HashBytes hashes raw bytes with the same function as HashParams.
func HashBytes(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

func canonical(p any) []byte {
	if raw, ok := p.([]byte); ok {
		return raw
	}
	v, err := payload.From(p)
	if err != nil {
		return []byte(fmt.Sprintf("%#v", p))
	}
	data, err := v.MarshalJSON()
	if err != nil {
		return []byte(fmt.Sprintf("%#v", p))
	}
	return data
}

// Namespace returns the part of key before the first colon, or "default".
func Namespace(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "default"
}
