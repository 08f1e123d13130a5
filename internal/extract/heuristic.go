package extract

import (
	"bytes"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
)

const boilerplateSelector = "script, style, noscript, template, iframe, svg, nav, footer, header, aside, form, " +
	".ad, .ads, .advert, .advertisement, .banner-ad, .sponsored, [id^='ad-'], [class^='ad-'], " +
	".sidebar, #sidebar, .widget, .cookie-banner, .cookie-notice, .share, .social-share, .breadcrumb, .breadcrumbs"

const textSelector = "p, h1, h2, h3, h4, h5, h6, li"

var containerSelectors = []string{
	"main",
	"article",
	"[role='main']",
	".content",
	"#content",
	".post-content",
	".entry-content",
	".article-body",
	".main-content",
	"#main",
}

// Heuristic is the DOM fallback stage: strip boilerplate, find the likely
// content container, and keep paragraph, heading, and list text.
type Heuristic struct {
	gate              Gate
	containerMinChars int
}

// NewHeuristic builds the stage.
func NewHeuristic(gate Gate, containerMinChars int) *Heuristic {
	if containerMinChars <= 0 {
		containerMinChars = 200
	}
	return &Heuristic{gate: gate, containerMinChars: containerMinChars}
}

// Extract applies the heuristic and the gate.
func (h *Heuristic) Extract(html []byte, _ *url.URL) *crawler.ExtractionResult {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil
	}

	title := collapseSpace(doc.Find("title").First().Text())
	if title == "" {
		title = collapseSpace(doc.Find("h1").First().Text())
	}

	doc.Find(boilerplateSelector).Remove()
	container := h.container(doc)

	var parts []string
	if title != "" {
		parts = append(parts, title)
	}
	container.Find(textSelector).Each(func(_ int, s *goquery.Selection) {
		// Nested matches emit their own text.
		if s.Find(textSelector).Length() > 0 {
			return
		}
		if text := collapseSpace(s.Text()); text != "" && text != title {
			parts = append(parts, text)
		}
	})

	content := strings.Join(parts, "\n")
	if !h.gate.Passes(content) {
		return nil
	}
	return result(title, content)
}

func (h *Heuristic) container(doc *goquery.Document) *goquery.Selection {
	for _, sel := range containerSelectors {
		var found *goquery.Selection
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if utf8.RuneCountInString(collapseSpace(s.Text())) > h.containerMinChars {
				found = s
				return false
			}
			return true
		})
		if found != nil {
			return found
		}
	}
	if body := doc.Find("body"); body.Length() > 0 {
		return body.First()
	}
	return doc.Selection
}
