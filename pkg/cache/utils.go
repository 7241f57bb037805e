package cache

import "strings"

const keySep = ":"

// Key joins a namespace and its parts into one cache key, e.g. Key("risk", "btc/a:b").
func Key(namespace string, parts ...string) string {
	return strings.Join(append([]string{namespace}, parts...), keySep)
}

// Namespace returns the prefix shared by every key of namespace.
func Namespace(namespace string) string {
	return namespace + keySep
}

// scanPattern is the SCAN MATCH pattern for keys starting with prefix.
// Glob metacharacters in prefix are escaped.
func scanPattern(prefix string) string {
	var b strings.Builder
	for _, r := range prefix {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('*')
	return b.String()
}

func hasPrefix(key, prefix string) bool {
	return prefix == "" || strings.HasPrefix(key, prefix)
}
