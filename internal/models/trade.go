package models

// Trade is a single executed trade as reported by the exchange. Price and
// Quantity keep the exchange's decimal text so no precision is lost.
type Trade struct {
	Symbol       Symbol `json:"symbol"`
	Price        string `json:"price"`
	Quantity     string `json:"quantity"`
	Timestamp    int64  `json:"timestamp"`
	TradeID      int64  `json:"tradeId"`
	IsBuyerMaker bool   `json:"isBuyerMaker"`
	EventTime    int64  `json:"eventTime,omitempty"`
}
