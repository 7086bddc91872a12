package pipeline

import "strings"

const maskReplacement = "***"

// minMaskLength guards against masking values so short the replacement
// would leak more than it hides.
const minMaskLength = 4

// MaskSecrets replaces every secret value of length >= 4 in text with
// a fixed marker. Applying it twice yields the same result.
func MaskSecrets(text string, secrets []string) string {
	for _, secret := range secrets {
		if len(secret) < minMaskLength {
			continue
		}
		text = strings.ReplaceAll(text, secret, maskReplacement)
	}
	return text
}
