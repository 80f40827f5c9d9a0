package scrape

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listingHTML = `
<html><body>
<div class="event-list">
  <div class="event-item">
    <h3 class="event-title">Spring   Gala</h3>
    <time class="event-date">2026-04-18</time>
    <span class="event-venue">Grand Hall</span>
    <span class="event-status">On Sale</span>
    <a href="/events/spring-gala">details</a>
  </div>
  <div class="event-item">
    <h3 class="event-title">Summer Night</h3>
    <time class="event-date">2026-07-02</time>
    <span class="event-venue">Open Air Stage</span>
    <span class="event-status">Sold Out</span>
    <a href="/events/summer-night">details</a>
  </div>
  <div class="event-item"><!-- placeholder row without a title --></div>
</div>
</body></html>`

const detailHTML = `
<html><body>
<h1 class="event-title">Spring Gala</h1>
<time class="event-date">2026-04-18 19:30</time>
<span class="event-venue">Grand Hall</span>
<div class="sale-status">Tickets on sale now</div>
<div class="price-list">
  <span class="price">$45</span>
  <span class="price">$78</span>
  <span class="price"></span>
</div>
<a class="download" href="/files/seating-chart.pdf">Seating Chart</a>
<a download href="/files/program.pdf"></a>
</body></html>`

func TestParseListing(t *testing.T) {
	events, err := ParseListing(listingHTML)
	require.NoError(t, err)
	require.Len(t, events, 2, "untitled placeholder rows are skipped")

	assert.Equal(t, "Spring Gala", events[0].Title)
	assert.Equal(t, "2026-04-18", events[0].Date)
	assert.Equal(t, "Grand Hall", events[0].Venue)
	assert.Equal(t, "On Sale", events[0].Status)
	assert.Equal(t, "/events/spring-gala", events[0].DetailURL)

	assert.Equal(t, "Sold Out", events[1].Status)
}

func TestParseListingEmptyPage(t *testing.T) {
	events, err := ParseListing("<html><body><p>nothing here</p></body></html>")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestParseDetail(t *testing.T) {
	detail, err := ParseDetail(detailHTML)
	require.NoError(t, err)

	assert.Equal(t, "Spring Gala", detail.Title)
	assert.Equal(t, "2026-04-18 19:30", detail.Date)
	assert.True(t, detail.OnSale)
	assert.Equal(t, []string{"$45", "$78"}, detail.Prices)

	require.Len(t, detail.Downloads, 2)
	assert.Equal(t, "Seating Chart", detail.Downloads[0].Name)
	assert.Equal(t, "/files/seating-chart.pdf", detail.Downloads[0].URL)
	// Anonymous download links fall back to the file name.
	assert.Equal(t, "program.pdf", detail.Downloads[1].Name)
}

func TestParseDetailUnrecognizablePage(t *testing.T) {
	_, err := ParseDetail("<html><body></body></html>")
	require.Error(t, err)
}
