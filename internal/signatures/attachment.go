package signatures

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

// Attachment scan statuses
const (
	AttachmentMalicious = "malicious_attachment"
	AttachmentClean     = "clean_attachment"
)

const snippetLen = 200

// AttachmentResult is the outcome of scanning one attachment
type AttachmentResult struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Signature string `json:"detected_signature,omitempty"`
	SHA256    string `json:"file_content_hash_sha256,omitempty"`
	Snippet   string `json:"snippet,omitempty"`
}

// Malicious reports whether a signature was found
func (r AttachmentResult) Malicious() bool {
	return r.Status == AttachmentMalicious
}

// ScanAttachment searches attachment bytes for the first known attachment signature
func (m *Matcher) ScanAttachment(filename string, content []byte) AttachmentResult {
	sum := sha256.Sum256(content)
	res := AttachmentResult{
		Filename: filename,
		Status:   AttachmentClean,
		SHA256:   hex.EncodeToString(sum[:]),
	}

	text := strings.ToValidUTF8(string(content), "")
	lower := strings.ToLower(text)
	for _, sig := range m.set.AttachmentMalware {
		if sig == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(sig)) {
			res.Status = AttachmentMalicious
			res.Signature = sig
			res.Snippet = Snippet(text, snippetLen)
			break
		}
	}

	return res
}

// Snippet truncates s to n runes, marking the cut with an ellipsis
func Snippet(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
