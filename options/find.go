package options

type KeyRange struct {
	// Lower is inclusive, Upper exclusive. An empty bound is open.
	Lower, Upper string
}

type Order string

const (
	Ascend  Order = "ASC"
	Descend Order = "DESC"
)

type FindOptions struct {
	O       Order
	KR      *KeyRange
	P       string
	Pattern string
	L       int
}

func (fo *FindOptions) SetOrder(o Order) *FindOptions {
	fo.O = o
	return fo
}

func (fo *FindOptions) KeyRange(lower, upper string) *FindOptions {
	fo.KR = &KeyRange{Lower: lower, Upper: upper}
	return fo
}

func (fo *FindOptions) Prefix(p string) *FindOptions {
	fo.P = p
	return fo
}

// Match filters keys by ":" separated segments, "*" matches any segment
func (fo *FindOptions) Match(pattern string) *FindOptions {
	fo.Pattern = pattern
	return fo
}

func (fo *FindOptions) Limit(n int) *FindOptions {
	fo.L = n
	return fo
}

func Find() *FindOptions {
	return &FindOptions{O: Ascend}
}
