package models

// Ticker carries rolling 24h statistics for a symbol.
type Ticker struct {
	Symbol             Symbol `json:"symbol"`
	PriceChange        string `json:"priceChange,omitempty"`
	PriceChangePercent string `json:"priceChangePercent"`
	Open               string `json:"open"`
	High               string `json:"high"`
	Low                string `json:"low"`
	Last               string `json:"last"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
	EventTime          int64  `json:"eventTime,omitempty"`
}
