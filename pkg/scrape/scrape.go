// Package scrape extracts event data from rendered page HTML. The
// functions are pure: callers feed them the serialized content of a
// pooled session and keep all pool interaction to themselves.
package scrape

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Event is one row of a listing page.
type Event struct {
	Title     string `json:"title"`
	Date      string `json:"date"`
	Venue     string `json:"venue"`
	Status    string `json:"status"`
	DetailURL string `json:"detail_url"`
}

// Download is one downloadable asset linked from a detail page.
type Download struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// EventDetail is the full record behind one listing row.
type EventDetail struct {
	Title     string     `json:"title"`
	Date      string     `json:"date"`
	Venue     string     `json:"venue"`
	Prices    []string   `json:"prices"`
	OnSale    bool       `json:"on_sale"`
	Downloads []Download `json:"downloads"`
}

// ParseListing extracts the event rows from a listing page.
func ParseListing(html string) ([]Event, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	var events []Event
	doc.Find(".event-list .event-item, ul.events > li").Each(func(_ int, s *goquery.Selection) {
		event := Event{
			Title:  cleanText(s.Find(".event-title, h3").First().Text()),
			Date:   cleanText(s.Find(".event-date, time").First().Text()),
			Venue:  cleanText(s.Find(".event-venue").First().Text()),
			Status: cleanText(s.Find(".event-status, .status").First().Text()),
		}
		if href, ok := s.Find("a[href]").First().Attr("href"); ok {
			event.DetailURL = href
		}
		if event.Title != "" {
			events = append(events, event)
		}
	})

	return events, nil
}

// ParseDetail extracts one event's detail page.
func ParseDetail(html string) (*EventDetail, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	detail := &EventDetail{
		Title: cleanText(doc.Find(".event-title, h1").First().Text()),
		Date:  cleanText(doc.Find(".event-date, time").First().Text()),
		Venue: cleanText(doc.Find(".event-venue").First().Text()),
	}

	doc.Find(".price-list .price, .ticket-price").Each(func(_ int, s *goquery.Selection) {
		if price := cleanText(s.Text()); price != "" {
			detail.Prices = append(detail.Prices, price)
		}
	})

	status := strings.ToLower(doc.Find(".sale-status, .event-status").First().Text())
	detail.OnSale = strings.Contains(status, "on sale") || strings.Contains(status, "available")

	doc.Find("a.download, a[download]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || href == "" {
			return
		}
		name := cleanText(s.Text())
		if name == "" {
			name = href[strings.LastIndex(href, "/")+1:]
		}
		detail.Downloads = append(detail.Downloads, Download{Name: name, URL: href})
	})

	if detail.Title == "" {
		return nil, fmt.Errorf("detail page has no recognizable event")
	}
	return detail, nil
}

// cleanText collapses runs of whitespace the way rendered HTML displays them.
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
