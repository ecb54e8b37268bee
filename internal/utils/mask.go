package utils

// MaskSecret keeps a short identifying prefix of a credential for log
// lines and hides the rest.
func MaskSecret(s string) string {
	const keep = 4
	if len(s) <= keep {
		return "*****"
	}
	return s[:keep] + "*****"
}
