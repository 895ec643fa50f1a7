// Package ladder turns raw exchange price levels into sorted ladders with
// cumulative totals.
package ladder

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"marketrelay/internal/models"
)

// ErrInvalidLevel is returned when a raw level cannot be parsed. The whole
// ladder is rejected in that case.
var ErrInvalidLevel = errors.New("invalid depth level")

// Side selects the sort order of a ladder side.
type Side int

const (
	Bids Side = iota // descending by price
	Asks             // ascending by price
)

func (s Side) String() string {
	if s == Bids {
		return "bids"
	}
	return "asks"
}

// Build parses and sorts both sides of a book snapshot.
func Build(symbol models.Symbol, lastUpdateID int64, bids, asks [][]string) (models.DepthLadder, error) {
	bidLevels, err := BuildSide(bids, Bids)
	if err != nil {
		return models.DepthLadder{}, err
	}
	askLevels, err := BuildSide(asks, Asks)
	if err != nil {
		return models.DepthLadder{}, err
	}
	return models.DepthLadder{
		Symbol:       symbol,
		LastUpdateID: lastUpdateID,
		Bids:         bidLevels,
		Asks:         askLevels,
	}, nil
}

// BuildSide parses [price, size] pairs, sorts them for the given side and
// fills the running total. Zero sizes are kept as they are.
func BuildSide(raw [][]string, side Side) ([]models.DepthLevel, error) {
	levels := make([]models.DepthLevel, 0, len(raw))
	for i, pair := range raw {
		if len(pair) < 2 {
			return nil, fmt.Errorf("%w: %s[%d] has %d fields", ErrInvalidLevel, side, i, len(pair))
		}
		price, err := strconv.ParseFloat(pair[0], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s[%d] price %q", ErrInvalidLevel, side, i, pair[0])
		}
		size, err := strconv.ParseFloat(pair[1], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s[%d] size %q", ErrInvalidLevel, side, i, pair[1])
		}
		levels = append(levels, models.DepthLevel{Price: price, Size: size})
	}

	sort.SliceStable(levels, func(i, j int) bool {
		if side == Bids {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})

	var total float64
	for i := range levels {
		total += levels[i].Size
		levels[i].Total = total
	}
	return levels, nil
}
