package rates

import "fmt"

// RequiredSourceBars is the source history needed to build totalBars at the required timeframe,
// padded for weekend and holiday gaps.
func RequiredSourceBars(info SourceInfo) int {
	if info.ActualTimeframe <= 0 {
		return 0
	}
	return int(float64(info.TotalBarsRequired) * WeekendBarMultiplier *
		float64(info.RequiredTimeframe) / float64(info.ActualTimeframe))
}

// ConvertAll validates, allocates and converts every enabled slot of an instance.
// Any slot with too little history fails the whole batch before anything is allocated.
func (a *Aggregator) ConvertAll(p *Params, infos [MaxRatesBuffers]SourceInfo, series [MaxRatesBuffers]Series) (*RatesBuffers, error) {
	if p == nil {
		return nil, fmt.Errorf("convert rates arrays: %w", ErrNullPointer)
	}

	var bufInfos [MaxRatesBuffers]BufferInfo
	for i, info := range infos {
		if !info.Enabled {
			continue
		}
		if required := RequiredSourceBars(info); info.RatesArraySize < required {
			a.logger.Error().
				Int("instance_id", p.InstanceID).
				Int("rates_index", i).
				Int("available", info.RatesArraySize).
				Int("required", required).
				Msg("Not enough rates data")
			return nil, fmt.Errorf("convert rates arrays: slot %d has %d bars, needs %d: %w",
				i, info.RatesArraySize, required, ErrNotEnoughRatesData)
		}
		bufInfos[i] = BufferInfo{
			Enabled:   true,
			Timeframe: info.RequiredTimeframe,
			ArraySize: info.TotalBarsRequired,
			Point:     info.Point,
			Digits:    info.Digits,
		}
	}

	b, err := a.buffers.Allocate(p.InstanceID, bufInfos)
	if err != nil {
		return nil, fmt.Errorf("convert rates arrays: %w", err)
	}

	for i, info := range infos {
		if !info.Enabled {
			continue
		}
		if series[i] == nil {
			return nil, fmt.Errorf("convert rates arrays: slot %d: %w", i, ErrNullPointer)
		}
		if err := a.Convert(p, series[i], info, i); err != nil {
			return nil, fmt.Errorf("convert rates arrays: %w", err)
		}
	}
	return b, nil
}
