// Package catalog holds the built-in alert definitions.
package catalog

import "github.com/adwski/alertbox/backend/model"

const (
	// FallbackColor is used for alert ids that are not in the catalog.
	FallbackColor = "#333"
)

type Catalog struct {
	order   []string
	entries map[string]model.AlertEntry
}

func New(entries ...model.AlertEntry) *Catalog {
	c := &Catalog{
		entries: make(map[string]model.AlertEntry, len(entries)),
	}
	for _, e := range entries {
		if _, ok := c.entries[e.ID]; !ok {
			c.order = append(c.order, e.ID)
		}
		c.entries[e.ID] = e
	}
	return c
}

func Default() *Catalog {
	return New(
		entry("STOP", "Stop Scrolling! 😊", "#ff4500",
			"https://media1.tenor.com/m/DafLbvYgt50AAAAC/trump-donald-trump.gif"),
		entry("COLD", "Turning off the AC, it's freezing! ❄️🥶❄️", "#1e90ff",
			"https://media1.tenor.com/m/ShXWuFDDZ8wAAAAd/vtactor007-rwmartin.gif"),
		entry("ALERT1", "Working hard!", "#00ff00",
			"https://media1.tenor.com/m/yHhqdtTladoAAAAC/cat-typing-typing.gif"),
		entry("ALERT2", "Hardly working!", "#ffff00",
			"https://media1.tenor.com/m/3pwRCgEnqN8AAAAC/sleeping-at-work-fail.gif"),
		entry("ALERT3", "Ansys!", "#ff00ff",
			"https://media1.tenor.com/m/7zrtEDHtArcAAAAC/ronswanson-parksandrec.gif"),
	)
}

func entry(id, msg, bg, media string) model.AlertEntry {
	return model.AlertEntry{ID: id, Message: msg, BackgroundColor: bg, MediaURL: &media}
}

func (c *Catalog) Lookup(id string) (model.AlertEntry, bool) {
	e, ok := c.entries[id]
	return e, ok
}

// Resolve never fails: unknown ids map to a gray entry that shows the raw id.
func (c *Catalog) Resolve(id string) model.AlertEntry {
	if e, ok := c.entries[id]; ok {
		return e
	}
	return model.AlertEntry{ID: id, Message: id, BackgroundColor: FallbackColor}
}

// Entries returns the catalog in definition order.
func (c *Catalog) Entries() []model.AlertEntry {
	out := make([]model.AlertEntry, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.entries[id])
	}
	return out
}
