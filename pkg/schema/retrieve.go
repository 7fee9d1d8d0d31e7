package schema

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultTopK = 5

// Retrieve ranks tables by keyword overlap with the query and returns the
// topK best as fully described schemas. Scoring covers table names and
// comments plus, for tables already described, column names and comments.
// When nothing scores above zero the first topK tables in listing order are
// returned instead, so a populated cache never yields zero documents.
func (p *Provider) Retrieve(ctx context.Context, query string, topK int) ([]*TableSchema, error) {
	if topK <= 0 {
		topK = defaultTopK
	}

	tables, err := p.Tables(ctx)
	if err != nil {
		return nil, err
	}
	cached := p.cachedSchemas()

	docs := make([]document, len(tables))
	for i, t := range tables {
		docs[i] = buildDocument(t, cached[strings.ToLower(t.Name)])
	}

	selected := rank(tokenize(query), docs, topK)
	if len(selected) == 0 {
		log.Debug().
			Str("data_source", p.dataSource).
			Str("query", query).
			Msg("schema: no table matched query, falling back to listing order")
		for i := 0; i < topK && i < len(tables); i++ {
			selected = append(selected, tables[i].Name)
		}
	}

	out := make([]*TableSchema, 0, len(selected))
	for _, name := range selected {
		ts, err := p.Table(ctx, name)
		if err != nil {
			var nf *NotFoundError
			if errors.As(err, &nf) {
				log.Warn().Str("table", name).Msg("schema: listed table vanished before describe")
				continue
			}
			return nil, err
		}
		out = append(out, ts)
	}
	if len(out) == 0 {
		return nil, &NotFoundError{DataSource: p.dataSource}
	}
	return out, nil
}

// document is one table flattened into weighted term frequencies. Name
// tokens weigh more than column names, which weigh more than comments.
type document struct {
	name string
	tf   map[string]float64
}

func buildDocument(meta TableMeta, ts *TableSchema) document {
	doc := document{name: meta.Name, tf: map[string]float64{}}
	doc.add(meta.Name, 3)
	doc.add(meta.Comment, 1)
	if ts != nil {
		for _, col := range ts.Columns {
			doc.add(col.Name, 2)
			doc.add(col.Comment, 1)
		}
	}
	return doc
}

func (d *document) add(text string, weight float64) {
	for _, tok := range tokenize(text) {
		d.tf[tok] += weight
	}
}

// rank orders documents by summed tf-idf over the query tokens. A token
// matches a term exactly or, from three characters up, by substring
// containment at half credit ("order" still hits "orders"). Only documents
// scoring above zero are returned, best first, ties kept in listing order.
func rank(queryTokens []string, docs []document, topK int) []string {
	n := float64(len(docs))
	df := map[string]int{}
	for _, doc := range docs {
		for term := range doc.tf {
			df[term]++
		}
	}
	idf := func(term string) float64 {
		return math.Log(1 + n/float64(1+df[term]))
	}

	type scored struct {
		name  string
		score float64
		order int
	}
	results := make([]scored, 0, len(docs))
	for i, doc := range docs {
		s := 0.0
		for _, qt := range queryTokens {
			for term, tf := range doc.tf {
				switch {
				case term == qt:
					s += tf * idf(term)
				case overlaps(term, qt):
					s += 0.5 * tf * idf(term)
				}
			}
		}
		if s > 0 {
			results = append(results, scored{name: doc.name, score: s, order: i})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].order < results[j].order
	})
	if len(results) > topK {
		results = results[:topK]
	}
	names := make([]string, len(results))
	for i, r := range results {
		names[i] = r.name
	}
	return names
}

func overlaps(a, b string) bool {
	short, long := a, b
	if len(short) > len(long) {
		short, long = long, short
	}
	return len(short) >= 3 && strings.Contains(long, short)
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"of": true, "for": true, "to": true, "in": true, "on": true,
	"by": true, "with": true, "from": true, "as": true, "is": true,
	"show": true, "me": true, "all": true, "get": true, "list": true,
	"per": true, "each": true,
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}
