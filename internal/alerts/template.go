package alerts

import (
	"sort"
	"strings"
)

// Render replaces every {{key}} in body with its value from vars. Unknown
// placeholders are left as they are.
func Render(body string, vars map[string]string) string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, "{{"+k+"}}", vars[k])
	}
	return strings.NewReplacer(pairs...).Replace(body)
}
