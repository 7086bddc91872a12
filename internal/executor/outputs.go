package executor

import (
	"regexp"
	"strings"
)

// outputRe matches workflow command lines emitted by step processes.
var outputRe = regexp.MustCompile(`^::set-output name=([A-Za-z0-9_.-]+)::(.*)$`)

// parseOutputs scans captured output for ::set-output commands. Later
// assignments to the same name win.
func parseOutputs(output string) map[string]string {
	outputs := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		m := outputRe.FindStringSubmatch(strings.TrimSuffix(line, "\r"))
		if m == nil {
			continue
		}
		outputs[m[1]] = m[2]
	}
	return outputs
}
