package rates

import (
	"strings"
	"sync"
	"time"

	"github.com/scmhub/calendar"
)

// HolidayCalendar reports exchange business days.
type HolidayCalendar interface {
	IsBusinessDay(t time.Time) bool
}

// TradingTimeFilter decides which source bars take part in aggregation.
// All checks run in UTC on adjusted broker time.
type TradingTimeFilter struct {
	// StartHour drops bars before this hour of each day.
	StartHour int
	// CryptoSymbols trade through the weekend.
	CryptoSymbols []string
	// Holidays adds exchange holidays on top of Christmas and New Year's Day.
	Holidays HolidayCalendar

	mu              sync.RWMutex
	cropMondayHours int
	cropFridayHours int
}

// NewTradingTimeFilter returns a filter with the framework defaults.
func NewTradingTimeFilter() *TradingTimeFilter {
	return &TradingTimeFilter{
		CryptoSymbols:   []string{"BTCUSD", "ETHUSD"},
		cropMondayHours: 4,
		cropFridayHours: 4,
	}
}

// NewExchangeHolidays loads a scmhub calendar by ISO 10383 MIC code, such as "xnys".
// It returns nil when the exchange is unknown.
func NewExchangeHolidays(mic string) HolidayCalendar {
	if mic == "" {
		return nil
	}
	cal := calendar.GetCalendar(strings.ToLower(mic))
	if cal == nil {
		return nil
	}
	return cal
}

// SetTradingWeekBoundaries sets how many hours are cropped from the start of Monday and end of Friday.
func (f *TradingTimeFilter) SetTradingWeekBoundaries(cropMondayHours, cropFridayHours int) {
	f.mu.Lock()
	f.cropMondayHours = cropMondayHours
	f.cropFridayHours = cropFridayHours
	f.mu.Unlock()
}

// IsValidTradingTime reports whether a bar at adjusted time t should be aggregated for symbol.
func (f *TradingTimeFilter) IsValidTradingTime(symbol string, t int64) bool {
	ut := unixUTC(t)
	weekend := isWeekend(ut)
	if weekend && f.isCrypto(symbol) {
		return true
	}
	return !(weekend || f.isHoliday(ut) || ut.Hour() < f.StartHour)
}

// IsOutsideTradingWeekBoundaries reports whether t falls in the cropped hours of Monday or Friday.
func (f *TradingTimeFilter) IsOutsideTradingWeekBoundaries(t int64) bool {
	f.mu.RLock()
	monday, friday := f.cropMondayHours, f.cropFridayHours
	f.mu.RUnlock()

	ut := unixUTC(t)
	switch ut.Weekday() {
	case time.Monday:
		return ut.Hour() < monday
	case time.Friday:
		return ut.Hour() > 23-friday
	default:
		return false
	}
}

func unixUTC(t int64) time.Time {
	return time.Unix(t, 0).UTC()
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func (f *TradingTimeFilter) isHoliday(t time.Time) bool {
	if (t.Month() == time.December && t.Day() == 25) || (t.Month() == time.January && t.Day() == 1) {
		return true
	}
	if f.Holidays != nil && !isWeekend(t) {
		return !f.Holidays.IsBusinessDay(t)
	}
	return false
}

func (f *TradingTimeFilter) isCrypto(symbol string) bool {
	for _, s := range f.CryptoSymbols {
		if s != "" && strings.Contains(symbol, s) {
			return true
		}
	}
	return false
}
