package service

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/smartfarmdiy/strawbydetet/internal/domain"
)

// Policy правила допуска файла
type Policy struct {
	AllowedTypes []string
	MaxSizeBytes int64
	// Extensions если пусто, расширение не проверяется
	Extensions []string
}

// Outcome результат проверки: Accepted или причина отказа для пользователя
type Outcome struct {
	Accepted bool
	Reason   string
}

func accepted() Outcome { return Outcome{Accepted: true} }
func rejected(reason string) Outcome { return Outcome{Reason: reason} }
func rejectedf(f string, a ...any) Outcome { return rejected(fmt.Sprintf(f, a...)) }

func ImagePolicy(maxSize int64) Policy {
	return Policy{
		AllowedTypes: []string{"image/jpeg", "image/png"},
		MaxSizeBytes: maxSize,
		Extensions:   []string{".jpg", ".jpeg", ".png"},
	}
}

func VideoPolicy(maxSize int64) Policy {
	return Policy{
		AllowedTypes: []string{"video/mp4", "video/x-msvideo", "video/avi"},
		MaxSizeBytes: maxSize,
		Extensions:   []string{".mp4", ".avi"},
	}
}

// forbiddenNameChars символы, недопустимые в имени файла:
// имя потом становится частью пути на стороне сервиса
const forbiddenNameChars = `/\:"|?*`

// Validate проверяет файл по политике. Никогда не паникует.
func Validate(file domain.File, p Policy) Outcome {
	if strings.TrimSpace(file.Name) == "" {
		return rejected("No file selected")
	}

	mediaType := strings.ToLower(strings.TrimSpace(file.MediaType))
	if mt, _, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType = mt
	}
	if !contains(p.AllowedTypes, mediaType) {
		return rejectedf("Unsupported file type %q", file.MediaType)
	}

	if file.Size < 0 {
		return rejected("Invalid file size")
	}
	if file.Size > p.MaxSizeBytes {
		return rejectedf("File is too large: %d bytes, limit is %d", file.Size, p.MaxSizeBytes)
	}

	if reason := checkName(file.Name); reason != "" {
		return rejected(reason)
	}

	if len(p.Extensions) > 0 {
		ext := strings.ToLower(filepath.Ext(file.Name))
		if !contains(p.Extensions, ext) {
			return rejectedf("Unsupported file extension %q", ext)
		}
	}

	return accepted()
}

func checkName(name string) string {
	// NFKC сводит совместимые символы (полноширинные «／», «．») к обычным
	folded := norm.NFKC.String(name)
	for _, s := range []string{name, folded} {
		if strings.Contains(s, "..") {
			return "File name must not contain \"..\""
		}
		for _, r := range s {
			if unicode.IsControl(r) || r == unicode.ReplacementChar {
				return "File name contains control characters"
			}
			if strings.ContainsRune(forbiddenNameChars, r) {
				return fmt.Sprintf("File name contains forbidden character %q", r)
			}
		}
	}
	return ""
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
