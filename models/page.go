package models

// PageResult is one page of a filtered listing.
type PageResult[T any] struct {
	List     []T   `json:"list"`
	Total    int64 `json:"total"`
	PageNum  int   `json:"page_num"`
	PageSize int   `json:"page_size"`
	Pages    int   `json:"pages"`
}

// NewPageResult computes the page count from total and pageSize.
func NewPageResult[T any](list []T, total int64, pageNum, pageSize int) PageResult[T] {
	pages := 0
	if pageSize > 0 {
		pages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	if list == nil {
		list = []T{}
	}
	return PageResult[T]{List: list, Total: total, PageNum: pageNum, PageSize: pageSize, Pages: pages}
}
