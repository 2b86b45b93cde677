package store

import (
	"strings"
	"unicode/utf8"
)

// SearchMessages finds cached messages whose text contains query,
// optionally limited to one store, newest first.
func (db *DB) SearchMessages(query, storeID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE body LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	if storeID != "" {
		q += " AND store_id = ?"
		args = append(args, storeID)
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, len(msgs))
	for i, m := range msgs {
		results[i] = SearchResult{Message: m, Snippet: snippet(m.Body, query, 32)}
	}
	return results, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// snippet marks the first match of query in body with << >>, keeping about
// width runes of context on each side.
func snippet(body, query string, width int) string {
	idx := strings.Index(strings.ToLower(body), strings.ToLower(query))
	if idx < 0 || query == "" {
		return body
	}
	start := idx
	for n := 0; start > 0 && n < width; n++ {
		_, size := utf8.DecodeLastRuneInString(body[:start])
		start -= size
	}
	end := idx + len(query)
	for n := 0; end < len(body) && n < width; n++ {
		_, size := utf8.DecodeRuneInString(body[end:])
		end += size
	}
	var b strings.Builder
	if start > 0 {
		b.WriteString("...")
	}
	b.WriteString(body[start:idx])
	b.WriteString("<<")
	b.WriteString(body[idx : idx+len(query)])
	b.WriteString(">>")
	b.WriteString(body[idx+len(query) : end])
	if end < len(body) {
		b.WriteString("...")
	}
	return b.String()
}
