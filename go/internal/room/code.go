package room

import (
	"crypto/rand"

	"github.com/mcdev12/quizzo/go/internal/models"
)

// codeLetters leaves out characters that are easy to misread on a screen.
const codeLetters = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// randomCode returns a CodeLength room code, rejecting bytes that would bias
// the modulo.
func randomCode() (string, error) {
	const max = byte(255 - (256 % len(codeLetters)))

	out := make([]byte, 0, models.CodeLength)
	buf := make([]byte, models.CodeLength*2)
	for {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b > max {
				continue
			}
			out = append(out, codeLetters[int(b)%len(codeLetters)])
			if len(out) == models.CodeLength {
				return string(out), nil
			}
		}
	}
}
