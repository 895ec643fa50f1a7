package models

// DepthLevel is one price level with the running total of size from the top
// of its side of the book down to and including this level.
type DepthLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
	Total float64 `json:"total"`
}

// DepthLadder is a full top-N book snapshot. Bids are sorted by descending
// price, asks by ascending price. A newer ladder replaces an older one.
type DepthLadder struct {
	Symbol       Symbol       `json:"symbol"`
	LastUpdateID int64        `json:"lastUpdateId,omitempty"`
	Bids         []DepthLevel `json:"bids"`
	Asks         []DepthLevel `json:"asks"`
}
