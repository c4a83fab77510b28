package services

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/twcharge/ocpp-cs/models"
)

// TariffService resolves the unit price (currency/kWh) for any instant
// from the day-segmented pricing table.
type TariffService struct {
	db           *sql.DB
	loc          *time.Location
	defaultPrice float64
}

func NewTariffService(db *sql.DB, timezone string, defaultPrice float64) (*TariffService, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}
	return &TariffService{db: db, loc: loc, defaultPrice: defaultPrice}, nil
}

func (t *TariffService) Location() *time.Location { return t.loc }
func (t *TariffService) DefaultPrice() float64    { return t.defaultPrice }

// normalizeHHMM maps the 24:00 end-of-day spelling onto 23:59 so
// inclusive comparisons work.
func normalizeHHMM(hhmm string) string {
	if hhmm == "24:00" {
		return "23:59"
	}
	return hhmm
}

// segmentMatches reports whether local time hhmm falls in the segment.
// Bounds are inclusive. start > end wraps across midnight; start == end
// covers the whole day.
func segmentMatches(hhmm string, seg models.TariffSegment) bool {
	start := normalizeHHMM(seg.Start)
	end := normalizeHHMM(seg.End)
	switch {
	case start == end:
		return true
	case start < end:
		return hhmm >= start && hhmm <= end
	default:
		return hhmm >= start || hhmm <= end
	}
}

func (t *TariffService) segmentsFor(date string) ([]models.TariffSegment, error) {
	rows, err := t.db.Query(`
		SELECT id, date, start_time, end_time, price, label
		FROM daily_pricing WHERE date = ?
	`, date)
	if err != nil {
		return nil, fmt.Errorf("load pricing for %s: %w", date, err)
	}
	defer rows.Close()

	segments := []models.TariffSegment{}
	for rows.Next() {
		var s models.TariffSegment
		if err := rows.Scan(&s.ID, &s.Date, &s.Start, &s.End, &s.Price, &s.Label); err != nil {
			continue
		}
		segments = append(segments, s)
	}
	return segments, nil
}

// PriceAt returns the unit price for ts. Lookup runs in the configured
// local zone; a miss retries the prior date so cross-midnight segments
// filed under their starting date still apply, then falls back to the
// default price. Overlaps resolve to the highest price.
func (t *TariffService) PriceAt(ts time.Time) float64 {
	local := ts.In(t.loc)
	hhmm := local.Format("15:04")

	for _, date := range []string{
		local.Format("2006-01-02"),
		local.AddDate(0, 0, -1).Format("2006-01-02"),
	} {
		segments, err := t.segmentsFor(date)
		if err != nil {
			return t.defaultPrice
		}
		best, found := 0.0, false
		for _, seg := range segments {
			if !segmentMatches(hhmm, seg) {
				continue
			}
			if !found || seg.Price > best {
				best = seg.Price
				found = true
			}
		}
		if found {
			return best
		}
	}
	return t.defaultPrice
}

// CostBucket is one tariff period's share of a transaction.
type CostBucket struct {
	Date   string  `json:"date"`
	Start  string  `json:"start_time"`
	End    string  `json:"end_time"`
	Price  float64 `json:"price"`
	KWh    float64 `json:"kwh"`
	Amount float64 `json:"amount"`
}

// matchedSegment returns the winning segment for ts, or a synthetic
// full-day default-price segment when nothing matches.
func (t *TariffService) matchedSegment(ts time.Time) models.TariffSegment {
	local := ts.In(t.loc)
	hhmm := local.Format("15:04")

	for _, date := range []string{
		local.Format("2006-01-02"),
		local.AddDate(0, 0, -1).Format("2006-01-02"),
	} {
		segments, _ := t.segmentsFor(date)
		var best *models.TariffSegment
		for i, seg := range segments {
			if !segmentMatches(hhmm, seg) {
				continue
			}
			if best == nil || seg.Price > best.Price {
				best = &segments[i]
			}
		}
		if best != nil {
			return *best
		}
	}
	return models.TariffSegment{
		Date:  local.Format("2006-01-02"),
		Start: "00:00",
		End:   "23:59",
		Price: t.defaultPrice,
		Label: "default",
	}
}

// SegmentedCost replays a transaction's cumulative energy samples and
// attributes each positive delta to the tariff segment active at the
// later sample. Buckets are keyed by (date, start, end, price) and
// returned in first-use order.
func (t *TariffService) SegmentedCost(txID int64) (float64, []CostBucket, error) {
	rows, err := t.db.Query(`
		SELECT timestamp, unit, value
		FROM meter_values
		WHERE transaction_id = ? AND measurand = 'Energy.Active.Import.Register'
		ORDER BY timestamp ASC, id ASC
	`, txID)
	if err != nil {
		return 0, nil, fmt.Errorf("load energy samples for tx %d: %w", txID, err)
	}
	defer rows.Close()

	type sample struct {
		ts  time.Time
		kwh float64
	}
	samples := []sample{}
	for rows.Next() {
		var tsStr, unit string
		var value float64
		if err := rows.Scan(&tsStr, &unit, &value); err != nil {
			continue
		}
		ts, ok := ParseTimestamp(tsStr)
		if !ok {
			continue
		}
		samples = append(samples, sample{ts: ts, kwh: EnergyToKWh(value, unit)})
	}

	buckets := map[string]*CostBucket{}
	order := []string{}
	total := 0.0

	for i := 1; i < len(samples); i++ {
		delta := samples[i].kwh - samples[i-1].kwh
		if delta <= 0 {
			continue
		}
		seg := t.matchedSegment(samples[i].ts)
		key := fmt.Sprintf("%s|%s|%s|%g", seg.Date, seg.Start, seg.End, seg.Price)
		b, ok := buckets[key]
		if !ok {
			b = &CostBucket{Date: seg.Date, Start: seg.Start, End: seg.End, Price: seg.Price}
			buckets[key] = b
			order = append(order, key)
		}
		b.KWh += delta
		amount := delta * seg.Price
		b.Amount += amount
		total += amount
	}

	result := make([]CostBucket, 0, len(order))
	for _, key := range order {
		b := buckets[key]
		b.KWh = roundKWh(b.KWh)
		b.Amount = Round2(b.Amount)
		result = append(result, *b)
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Date != result[j].Date {
			return result[i].Date < result[j].Date
		}
		return result[i].Start < result[j].Start
	})
	return Round2(total), result, nil
}

// EnergyToKWh interprets an energy register value by unit. Unknown
// units are taken as kWh already.
func EnergyToKWh(value float64, unit string) float64 {
	switch unit {
	case "Wh", "wh", "WH":
		return value / 1000.0
	default:
		return value
	}
}

func roundKWh(v float64) float64 {
	return float64(int64(v*10000+0.5)) / 10000
}
