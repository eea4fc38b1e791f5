package shared

import "strings"

// Delivery tokens mark files the front-end should send to the user. A line
// beginning with "FILE:" carries a path; "IMAGE_FILE:" is the image variant
// and is normalized to "FILE:" so downstream handling stays uniform.

// ExtractDeliveryFileTokens returns every delivery token found in text,
// normalized to the FILE: form.
func ExtractDeliveryFileTokens(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(trimmed, "FILE:"); ok {
			out = append(out, "FILE:"+strings.TrimSpace(rest))
		} else if rest, ok := strings.CutPrefix(trimmed, "IMAGE_FILE:"); ok {
			out = append(out, "FILE:"+strings.TrimSpace(rest))
		}
	}
	return out
}

// ContainsDeliveryFileToken reports whether any line in text starts with a
// delivery token.
func ContainsDeliveryFileToken(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimLeft(line, " \t")
		if strings.HasPrefix(trimmed, "FILE:") || strings.HasPrefix(trimmed, "IMAGE_FILE:") {
			return true
		}
	}
	return false
}

// DeliveryTokenPath extracts the file path carried by a delivery token.
func DeliveryTokenPath(token string) (string, bool) {
	rest, ok := strings.CutPrefix(token, "FILE:")
	if !ok {
		rest, ok = strings.CutPrefix(token, "IMAGE_FILE:")
	}
	if !ok {
		return "", false
	}
	path := trimPathToken(rest)
	if path == "" {
		return "", false
	}
	return path, true
}

// NormalizeImageFileTokens rewrites IMAGE_FILE: lines to FILE: lines.
func NormalizeImageFileTokens(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(trimmed, "IMAGE_FILE:"); ok {
			lines[i] = "FILE:" + strings.TrimSpace(rest)
		}
	}
	return strings.Join(lines, "\n")
}

// IsImagePath reports whether path carries a known image extension.
func IsImagePath(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".webp", ".gif", ".bmp"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func trimPathToken(token string) string {
	return strings.TrimFunc(strings.TrimSpace(token), func(r rune) bool {
		switch r {
		case '"', '\'', '`', '，', ',', ':', '：', ';', '。', ')', '(', '）', '（':
			return true
		}
		return false
	})
}
