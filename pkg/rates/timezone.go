package rates

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// DaysPerTable covers every day of a leap year plus one spare entry.
const DaysPerTable = 367

// TZOffsets converts broker timestamps to reference time with day-of-year offset tables,
// one pair per calendar year. Years outside the prepared range are looked up directly.
type TZOffsets struct {
	broker    *time.Location
	reference *time.Location
	first     int
	years     []yearOffsets
}

type yearOffsets struct {
	broker    [DaysPerTable]int
	reference [DaysPerTable]int
}

// NewTZOffsets prepares tables for every year from from to to.
func NewTZOffsets(from, to time.Time, broker, reference *time.Location) *TZOffsets {
	first, last := from.UTC().Year(), to.UTC().Year()
	if last < first {
		last = first
	}
	o := &TZOffsets{
		broker:    broker,
		reference: reference,
		first:     first,
		years:     make([]yearOffsets, last-first+1),
	}
	for i := range o.years {
		o.years[i] = yearOffsets{
			broker:    CalculateOffsets(first+i, broker),
			reference: CalculateOffsets(first+i, reference),
		}
	}
	return o
}

// AdjustedBrokerTime converts a broker timestamp to reference time.
// A nil table leaves the timestamp unchanged.
func (o *TZOffsets) AdjustedBrokerTime(t int64) int64 {
	if o == nil {
		return t
	}
	ut := time.Unix(t, 0).UTC()
	year, day := ut.Year(), ut.YearDay()-1
	if i := year - o.first; i >= 0 && i < len(o.years) {
		y := &o.years[i]
		return t + int64(y.reference[day]-y.broker[day])*3600
	}
	return t + int64(noonOffset(year, day, o.reference)-noonOffset(year, day, o.broker))*3600
}

// CalculateOffsets builds a day-of-year table of whole-hour offsets for loc in the given year.
// Each day takes the offset in force at noon UTC.
func CalculateOffsets(year int, loc *time.Location) [DaysPerTable]int {
	var out [DaysPerTable]int
	if loc == nil {
		return out
	}
	for d := 0; d < DaysPerTable; d++ {
		out[d] = noonOffset(year, d, loc)
	}
	return out
}

func noonOffset(year, day int, loc *time.Location) int {
	if loc == nil {
		return 0
	}
	_, offset := time.Date(year, time.January, 1+day, 12, 0, 0, 0, time.UTC).In(loc).Zone()
	return offset / 3600
}

// TimezoneRegistry maps broker names to their server timezones.
type TimezoneRegistry struct {
	zones    map[string]*time.Location
	fallback *time.Location
}

// NewTimezoneRegistry loads each configured IANA zone. Brokers not listed use defaultZone.
// Broker names match case-insensitively.
func NewTimezoneRegistry(zones map[string]string, defaultZone string) (*TimezoneRegistry, error) {
	r := &TimezoneRegistry{zones: make(map[string]*time.Location, len(zones))}

	if defaultZone == "" {
		defaultZone = "UTC"
	}
	fallback, err := time.LoadLocation(defaultZone)
	if err != nil {
		return nil, fmt.Errorf("load default zone %q: %w", defaultZone, ErrUnknownTimezone)
	}
	r.fallback = fallback

	for broker, name := range zones {
		loc, err := time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("load zone %q for broker %q: %w", name, broker, ErrUnknownTimezone)
		}
		r.zones[strings.ToLower(broker)] = loc
	}
	return r, nil
}

// Location returns the zone of a broker.
func (r *TimezoneRegistry) Location(broker string) *time.Location {
	if loc, ok := r.zones[strings.ToLower(broker)]; ok {
		return loc
	}
	return r.fallback
}

// Offsets builds offset tables converting broker time to the reference broker's time
// for history running from from to to.
func (r *TimezoneRegistry) Offsets(from, to time.Time, broker, referenceBroker string) *TZOffsets {
	return NewTZOffsets(from, to, r.Location(broker), r.Location(referenceBroker))
}
