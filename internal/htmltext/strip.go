// Package htmltext derives plain text from simple HTML bodies, used
// for inbound body cleanup and the text/plain alternative of outbound
// mail.
package htmltext

import (
	"regexp"
	"strings"
)

var (
	tagPattern = regexp.MustCompile(`<[^>]*>`)
	blankRuns  = regexp.MustCompile(`\n{3,}`)
)

var entities = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
	"&nbsp;", " ",
)

// Strip converts block-level closers to newlines, removes the
// remaining tags, decodes common entities, and collapses blank runs.
func Strip(html string) string {
	if html == "" {
		return ""
	}
	out := html
	for _, tag := range []string{"<br>", "<br/>", "<br />", "</p>", "</div>", "</li>"} {
		out = strings.ReplaceAll(out, tag, "\n")
	}
	out = tagPattern.ReplaceAllString(out, "")
	out = entities.Replace(out)
	out = blankRuns.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
