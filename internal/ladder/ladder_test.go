package ladder

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"testing"

	"marketrelay/internal/models"
)

func levelsEqual(t *testing.T, got []models.DepthLevel, want []models.DepthLevel) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d levels, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("level %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestBuildScenario(t *testing.T) {
	ladder, err := Build("BTCUSDT", 7,
		[][]string{{"98", "2"}, {"99", "1"}},
		[][]string{{"101", "2"}, {"100", "1"}},
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if ladder.Symbol != "BTCUSDT" || ladder.LastUpdateID != 7 {
		t.Fatalf("unexpected header: %+v", ladder)
	}
	levelsEqual(t, ladder.Asks, []models.DepthLevel{{Price: 100, Size: 1, Total: 1}, {Price: 101, Size: 2, Total: 3}})
	levelsEqual(t, ladder.Bids, []models.DepthLevel{{Price: 99, Size: 1, Total: 1}, {Price: 98, Size: 2, Total: 3}})
}

func TestBuildSideKeepsZeroSizes(t *testing.T) {
	levels, err := BuildSide([][]string{{"10", "0"}, {"11", "1.5"}}, Asks)
	if err != nil {
		t.Fatalf("BuildSide: %v", err)
	}
	levelsEqual(t, levels, []models.DepthLevel{{Price: 10, Size: 0, Total: 0}, {Price: 11, Size: 1.5, Total: 1.5}})
}

func TestBuildSideEmpty(t *testing.T) {
	levels, err := BuildSide(nil, Bids)
	if err != nil {
		t.Fatalf("BuildSide: %v", err)
	}
	if len(levels) != 0 {
		t.Fatalf("expected no levels, got %+v", levels)
	}
}

func TestBuildRejectsWholeLadder(t *testing.T) {
	cases := map[string][][]string{
		"bad price":   {{"abc", "1"}},
		"bad size":    {{"1", "x"}},
		"short level": {{"1"}},
	}
	for name, asks := range cases {
		ladder, err := Build("BTCUSDT", 0, [][]string{{"1", "1"}}, asks)
		if !errors.Is(err, ErrInvalidLevel) {
			t.Fatalf("%s: err = %v, want ErrInvalidLevel", name, err)
		}
		if ladder.Bids != nil || ladder.Asks != nil {
			t.Fatalf("%s: partial ladder returned: %+v", name, ladder)
		}
	}
}

func TestCumulativeTotalsProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 200; round++ {
		n := rng.Intn(50)
		raw := make([][]string, 0, n)
		seen := map[string]bool{}
		var sum float64
		for len(raw) < n {
			price := strconv.FormatFloat(float64(rng.Intn(100000))/100, 'f', 2, 64)
			if seen[price] {
				continue
			}
			seen[price] = true
			size := float64(rng.Intn(10000)) / 1000
			raw = append(raw, []string{price, strconv.FormatFloat(size, 'f', 3, 64)})
		}

		for _, side := range []Side{Bids, Asks} {
			levels, err := BuildSide(raw, side)
			if err != nil {
				t.Fatalf("round %d: %v", round, err)
			}
			sum = 0
			for i, lvl := range levels {
				sum += lvl.Size
				if i > 0 {
					if lvl.Total < levels[i-1].Total {
						t.Fatalf("round %d %s: totals decrease at %d", round, side, i)
					}
					if side == Bids && lvl.Price >= levels[i-1].Price {
						t.Fatalf("round %d: bids not descending at %d", round, i)
					}
					if side == Asks && lvl.Price <= levels[i-1].Price {
						t.Fatalf("round %d: asks not ascending at %d", round, i)
					}
				}
			}
			if len(levels) > 0 && levels[len(levels)-1].Total != sum {
				t.Fatalf("round %d %s: last total %v != sum %v", round, side, levels[len(levels)-1].Total, sum)
			}
		}
	}
}

func TestBuildConcurrentUse(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			price := fmt.Sprintf("%d", 100+i)
			if _, err := Build("ETHUSDT", int64(i), [][]string{{price, "1"}}, [][]string{{price, "2"}}); err != nil {
				t.Errorf("Build: %v", err)
			}
		}(i)
	}
	wg.Wait()
}
