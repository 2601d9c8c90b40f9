package spoof

import (
	"bytes"
	"regexp"
)

// Injection position is resolved by the first matching rule only:
//  1. immediately before the closing </head> tag,
//  2. else immediately after the opening <body ...> tag,
//  3. else appended at the end of the document.
var (
	headCloseRe = regexp.MustCompile(`(?i)</head>`)
	bodyOpenRe  = regexp.MustCompile(`(?i)<body[^>]*>`)
)

// InjectScripts splices the given script payloads into an HTML body. Each
// payload is wrapped in its own <script> element; the payloads themselves
// are opaque to the engine. Every byte of body outside the single insertion
// point is preserved unchanged. A nil or empty scripts slice returns body
// as-is.
func InjectScripts(body []byte, scripts []string) []byte {
	if len(scripts) == 0 {
		return body
	}
	block := scriptBlock(scripts)

	if loc := headCloseRe.FindIndex(body); loc != nil {
		return splice(body, loc[0], block)
	}
	if loc := bodyOpenRe.FindIndex(body); loc != nil {
		return splice(body, loc[1], block)
	}
	out := make([]byte, 0, len(body)+len(block))
	out = append(out, body...)
	return append(out, block...)
}

// scriptBlock renders the payloads as consecutive <script> elements.
func scriptBlock(scripts []string) []byte {
	var b bytes.Buffer
	b.WriteByte('\n')
	for _, s := range scripts {
		b.WriteString("<script>")
		b.WriteString(s)
		b.WriteString("</script>\n")
	}
	return b.Bytes()
}

// splice inserts block into body at offset i without touching the
// surrounding bytes.
func splice(body []byte, i int, block []byte) []byte {
	out := make([]byte, 0, len(body)+len(block))
	out = append(out, body[:i]...)
	out = append(out, block...)
	return append(out, body[i:]...)
}
