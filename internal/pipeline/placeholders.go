package pipeline

import "regexp"

// placeholderRe matches ${{ dotted.path }} expressions in config text.
var placeholderRe = regexp.MustCompile(`\$\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Resolver maps a placeholder path to its binding. Returning false
// leaves the placeholder untouched for a later resolution pass.
type Resolver func(path string) (string, bool)

// Interpolate replaces every resolvable placeholder in text.
func Interpolate(text string, resolve Resolver) string {
	if text == "" {
		return text
	}
	return placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		path := placeholderRe.FindStringSubmatch(match)[1]
		if value, ok := resolve(path); ok {
			return value
		}
		return match
	})
}

// Secret returns the placeholder for a named secret.
func Secret(name string) string {
	return "${{ secrets." + name + " }}"
}

// Output returns the placeholder for a step output.
func Output(stepID, name string) string {
	return "${{ steps." + stepID + ".outputs." + name + " }}"
}

// MatrixRef returns the placeholder for a matrix value.
func MatrixRef(key string) string {
	return "${{ matrix." + key + " }}"
}

// Needs returns the placeholder for a dependency job output.
func Needs(job, output string) string {
	return "${{ needs." + job + ".outputs." + output + " }}"
}
