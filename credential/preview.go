package credential

// maskedCore replaces the hidden middle of every preview.
const maskedCore = "***"

// Preview returns the masked form of a secret shown in listings: the
// first two and last two characters around a fixed mask. Secrets shorter
// than five characters are fully masked so the visible parts can never
// reconstruct a majority of the secret.
func Preview(secret string) string {
	runes := []rune(secret)
	if len(runes) < 5 {
		return maskedCore
	}
	return string(runes[:2]) + maskedCore + string(runes[len(runes)-2:])
}
