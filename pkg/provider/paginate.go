package provider

import (
	"context"
	"log/slog"

	"github.com/sunledger/sunledger/pkg/log"
)

// DefaultPageSize is what the vendors return per page unless told otherwise.
const DefaultPageSize = 100

// Page is one page of a list endpoint.
type Page[T any] struct {
	Records []T
	Total   int
}

// Paginate walks pages starting at 1 until pageNo*pageSize reaches total or a
// page comes back empty. A failed first page is returned as an error. A
// failure on any later page is logged and the records gathered so far are
// returned without error.
func Paginate[T any](ctx context.Context, pageSize int, fetch func(ctx context.Context, pageNo int) (Page[T], error)) ([]T, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	var out []T
	for pageNo := 1; ; pageNo++ {
		page, err := fetch(ctx, pageNo)
		if err != nil {
			if pageNo == 1 {
				return nil, err
			}
			log.Ctx(ctx).WarnContext(ctx, "page fetch failed, keeping partial results",
				slog.Int("pageNo", pageNo),
				slog.Int("kept", len(out)),
				slog.Any("error", err),
			)
			return out, nil
		}
		if len(page.Records) == 0 {
			return out, nil
		}
		out = append(out, page.Records...)
		if pageNo*pageSize >= page.Total {
			return out, nil
		}
	}
}
