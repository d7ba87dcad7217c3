package uploads

import (
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// MaxFileSize is the largest accepted upload.
const MaxFileSize = 5 * 1024 * 1024

var allowedTypes = []string{"image/jpeg", "image/jpg", "image/png", "image/webp", "image/gif"}

var dangerousNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\.\.`),
	regexp.MustCompile(`[<>:"|?*/\\]`),
	regexp.MustCompile(`(?i)^(con|prn|aux|nul|com[1-9]|lpt[1-9])$`),
	regexp.MustCompile(`^\.`),
	regexp.MustCompile(`\.$`),
}

// AllowedTypes lists the accepted content types.
func AllowedTypes() []string {
	return append([]string(nil), allowedTypes...)
}

func allowedType(contentType string) bool {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	for _, allowed := range allowedTypes {
		if contentType == allowed {
			return true
		}
	}
	return false
}

func validFileName(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	for _, pattern := range dangerousNamePatterns {
		if pattern.MatchString(name) {
			return false
		}
	}
	return true
}

// extensionOf returns the lowercase extension when an allowed type ends with it.
func extensionOf(name string) (string, bool) {
	index := strings.LastIndex(name, ".")
	if index < 0 || index == len(name)-1 {
		return "", false
	}
	extension := strings.ToLower(name[index+1:])
	for _, allowed := range allowedTypes {
		if strings.HasSuffix(allowed, "/"+extension) {
			return extension, true
		}
	}
	return "", false
}

// sniffType detects the content type from the leading bytes.
func sniffType(data []byte) (string, bool) {
	detected := mimetype.Detect(data)
	for _, allowed := range allowedTypes {
		if detected.Is(allowed) {
			return allowed, true
		}
	}
	return detected.String(), false
}
