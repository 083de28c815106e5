package services

import (
	"context"
	"time"

	"github.com/ekaya-inc/patient-sync/pkg/models"
)

// pageFetcher reads up to limit rows after cursor (or from offset when the
// cursor is zero) in (created_at, id) order.
type pageFetcher[T any] func(ctx context.Context, after models.Cursor, offset, limit int) ([]T, error)

// page is one batch of a keyset-paged collection.
type page[T any] struct {
	Items    []T
	HasMore  bool
	Next     models.Cursor
	NextSkip int
}

// fetchPage asks for size+1 rows; the extra row only signals that more exist.
// When the cursor is set, skip is ignored and only reported back advanced for
// clients still paging by offset.
func fetchPage[T any](ctx context.Context, fetch pageFetcher[T], position func(T) models.Cursor, after models.Cursor, skip, size int) (page[T], error) {
	offset := 0
	if after.IsZero() {
		offset = skip
	}

	rows, err := fetch(ctx, after, offset, size+1)
	if err != nil {
		return page[T]{}, err
	}

	p := page[T]{Next: after}
	if len(rows) > size {
		rows = rows[:size]
		p.HasMore = true
	}
	p.Items = rows
	p.NextSkip = skip + len(rows)
	if len(rows) > 0 {
		p.Next = position(rows[len(rows)-1])
	}
	return p, nil
}

// partitionBySince splits changed rows into created (after since) and updated
// (created at or before since). A zero since makes everything a creation.
func partitionBySince[T any](items []T, since time.Time, createdAt func(T) time.Time) (created, updated []T) {
	for _, item := range items {
		if since.IsZero() || createdAt(item).After(since) {
			created = append(created, item)
		} else {
			updated = append(updated, item)
		}
	}
	return created, updated
}

func patientPosition(p *models.Patient) models.Cursor {
	return models.Cursor{CreatedAt: p.CreatedAt, ID: p.ID}
}

func notePosition(n *models.ClinicalNote) models.Cursor {
	return models.Cursor{CreatedAt: n.CreatedAt, ID: n.ID}
}

func patientCreatedAt(p *models.Patient) time.Time { return p.CreatedAt }

func noteCreatedAt(n *models.ClinicalNote) time.Time { return n.CreatedAt }
