package clock

import "villagesim.ai/internal/sim/model"

const MinutesPerDay = 24 * 60

// Clock maps ticks onto the simulated calendar. The wall-clock to tick mapping lives in
// tuning (tick rate); this only covers tick -> minute.
type Clock struct {
	MinutesPerTick int
	StartMinute    int
}

func (c Clock) totalMinutes(tick uint64) uint64 {
	per := c.MinutesPerTick
	if per <= 0 {
		per = 1
	}
	start := c.StartMinute
	if start < 0 {
		start = 0
	}
	return uint64(start) + tick*uint64(per)
}

func (c Clock) At(tick uint64) model.WorldTime {
	total := c.totalMinutes(tick)
	return model.WorldTime{
		Tick:        tick,
		Day:         int(total / MinutesPerDay),
		MinuteOfDay: int(total % MinutesPerDay),
	}
}

func (c Clock) MinuteOfDay(tick uint64) int { return c.At(tick).MinuteOfDay }

// FormatMinute renders a minute-of-day as HH:MM.
func FormatMinute(m int) string {
	m = ((m % MinutesPerDay) + MinutesPerDay) % MinutesPerDay
	h := m / 60
	mm := m % 60
	return string([]byte{byte('0' + h/10), byte('0' + h%10), ':', byte('0' + mm/10), byte('0' + mm%10)})
}
