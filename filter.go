package gobox

// DefaultResultSize is the page size used when a Filter does not set one.
const DefaultResultSize int64 = 50

// Filter selects files for Search.
type Filter struct {
	From    int64  `json:"from"`
	Size    int64  `json:"size"`
	Keyword string `json:"keyword,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// NewFilter returns a filter matching keyword with the default page size.
func NewFilter(keyword string) Filter {
	return Filter{Size: DefaultResultSize, Keyword: keyword}
}

func (f Filter) normalized() Filter {
	if f.Size <= 0 {
		f.Size = DefaultResultSize
	}
	if f.From < 0 {
		f.From = 0
	}
	return f
}
