package ingest

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DocumentPathPrefix is the portal path under which downloadable PDFs live.
const DocumentPathPrefix = "/pdf/"

// Script-driven variants seen on the portal when no plain anchor is emitted.
var scriptPathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`href=['"]?(/pdf/[^'"\s>]+)`),
	regexp.MustCompile(`location\.href\s*=\s*['"](/pdf/[^'"]+)['"]`),
	regexp.MustCompile(`window\.open\(\s*['"](/pdf/[^'"]+)['"]`),
}

// FindDocumentPath returns the first /pdf/ reference in a query response, or "".
func FindDocumentPath(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err == nil {
		var found string
		doc.Find("a[href]").EachWithBreak(func(i int, s *goquery.Selection) bool {
			href, _ := s.Attr("href")
			if p := documentPath(href); p != "" {
				found = p
				return false
			}
			return true
		})
		if found != "" {
			return found
		}
	}

	for _, re := range scriptPathPatterns {
		if m := re.FindStringSubmatch(html); m != nil {
			return m[1]
		}
	}
	return ""
}

// documentPath accepts relative "/pdf/..." and absolute URLs whose path starts with /pdf/.
func documentPath(href string) string {
	href = strings.TrimSpace(href)
	if strings.HasPrefix(href, DocumentPathPrefix) {
		return href
	}
	u, err := url.Parse(href)
	if err != nil || !strings.HasPrefix(u.Path, DocumentPathPrefix) {
		return ""
	}
	if u.RawQuery != "" {
		return u.Path + "?" + u.RawQuery
	}
	return u.Path
}

// resolve joins a portal-relative path onto the base URL.
func resolve(base, path string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(ref).String(), nil
}
