// Пакет fingerprint — отпечаток содержимого файла (SHA-256, hex).
// Отпечаток — ключ дедупликации в паре с владельцем и контроль целостности.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// Fingerprint возвращает SHA-256 содержимого в нижнем регистре hex.
// Пустое содержимое отсекается при валидации до вызова.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FromReader вычисляет отпечаток потока и возвращает его размер.
func FromReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Valid проверяет формат отпечатка: 64 символа hex в нижнем регистре.
func Valid(fp string) bool {
	if len(fp) != sha256.Size*2 {
		return false
	}
	for _, c := range fp {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
