package alerts

import (
	"fmt"
	"strings"

	db "github.com/newswatch/alert-engine/internal/storage"
)

// Item pairs a due delivery row with its article content.
type Item struct {
	Delivery db.Delivery
	Article  db.Article
}

// Batch is one outgoing message covering a set of delivery rows. All rows in
// a batch succeed or fail together; separate batches fail independently.
type Batch struct {
	Deliveries []db.Delivery
	Subject    string
	Body       string
}

const maxListedSources = 2

// Assemble turns due items into messages. Items sharing a dedupe key
// collapse into one line listing every source, in first-seen order, and the
// result is split so no message carries more than maxItems underlying rows.
// A group larger than maxItems is itself split across messages rather than
// blowing the cap.
func Assemble(alertName string, items []Item, maxItems int) []Batch {
	if len(items) == 0 {
		return nil
	}

	if maxItems < 1 {
		maxItems = 1
	}

	groups := groupByDedupeKey(items)

	var (
		batches []Batch
		current []dedupeGroup
		count   int
	)

	flush := func() {
		if len(current) == 0 {
			return
		}

		batches = append(batches, buildBatch(alertName, current))
		current = nil
		count = 0
	}

	for _, g := range groups {
		for len(g.items) > maxItems {
			flush()

			current = []dedupeGroup{{key: g.key, items: g.items[:maxItems]}}
			count = maxItems

			flush()

			g.items = g.items[maxItems:]
		}

		if len(g.items) == 0 {
			continue
		}

		if count > 0 && count+len(g.items) > maxItems {
			flush()
		}

		current = append(current, g)
		count += len(g.items)

		if count >= maxItems {
			flush()
		}
	}

	flush()

	return batches
}

type dedupeGroup struct {
	key   string
	items []Item
}

// groupByDedupeKey buckets items by dedupe key, preserving the order in
// which keys first appear.
func groupByDedupeKey(items []Item) []dedupeGroup {
	index := make(map[string]int, len(items))

	var groups []dedupeGroup

	for _, item := range items {
		key := item.Delivery.DedupeKey
		if pos, ok := index[key]; ok {
			groups[pos].items = append(groups[pos].items, item)

			continue
		}

		index[key] = len(groups)
		groups = append(groups, dedupeGroup{key: key, items: []Item{item}})
	}

	return groups
}

func buildBatch(alertName string, groups []dedupeGroup) Batch {
	var batch Batch

	for _, g := range groups {
		batch.Deliveries = append(batch.Deliveries, deliveries(g.items)...)
	}

	batch.Subject = subjectLine(alertName, groups)
	batch.Body = bodyText(alertName, groups)

	return batch
}

func deliveries(items []Item) []db.Delivery {
	out := make([]db.Delivery, len(items))
	for i, item := range items {
		out[i] = item.Delivery
	}

	return out
}

func subjectLine(alertName string, groups []dedupeGroup) string {
	lead := groups[0].items[0]

	if len(groups) == 1 {
		return fmt.Sprintf("[%s] %s: %s", lead.Delivery.Priority, alertName, lead.Article.Title)
	}

	return fmt.Sprintf("[%s] %s: %d new matches", highestPriority(groups), alertName, len(groups))
}

// highestPriority relies on the P0 < P1 < P2 lexical ordering.
func highestPriority(groups []dedupeGroup) string {
	highest := groups[0].items[0].Delivery.Priority
	for _, g := range groups {
		for _, item := range g.items {
			if item.Delivery.Priority < highest {
				highest = item.Delivery.Priority
			}
		}
	}

	return highest
}

func bodyText(alertName string, groups []dedupeGroup) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Alert: %s\n\n", alertName)

	for _, g := range groups {
		lead := g.items[0].Article

		fmt.Fprintf(&b, "* %s\n", lead.Title)

		if lead.URL != "" {
			fmt.Fprintf(&b, "  %s\n", lead.URL)
		}

		if line := sourcesLine(g.items); line != "" {
			fmt.Fprintf(&b, "  %s\n", line)
		}

		b.WriteByte('\n')
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}

// sourcesLine lists the distinct sources behind one collapsed story, in
// first-seen order, truncated past maxListedSources.
func sourcesLine(items []Item) string {
	seen := make(map[string]bool)

	var sources []string

	for _, item := range items {
		name := strings.TrimSpace(item.Article.SourceName)
		if name == "" || seen[name] {
			continue
		}

		seen[name] = true
		sources = append(sources, name)
	}

	if len(sources) == 0 {
		return ""
	}

	listed := sources
	extra := 0

	if len(sources) > maxListedSources {
		listed = sources[:maxListedSources]
		extra = len(sources) - maxListedSources
	}

	line := "Sources: " + strings.Join(listed, ", ")
	if extra > 0 {
		line += fmt.Sprintf(" (+%d more)", extra)
	}

	return line
}
