package models

import (
	"time"
)

// AlarmKind is the debounce class remembered per symbol.
type AlarmKind int

const (
	AlarmNone AlarmKind = iota
	AlarmSpike
	AlarmDrop
)

func (k AlarmKind) String() string {
	switch k {
	case AlarmSpike:
		return "spike"
	case AlarmDrop:
		return "drop"
	default:
		return "none"
	}
}

// ParseAlarmKind is the inverse of AlarmKind.String. Unknown names map to AlarmNone.
func ParseAlarmKind(s string) AlarmKind {
	switch s {
	case "spike":
		return AlarmSpike
	case "drop":
		return AlarmDrop
	default:
		return AlarmNone
	}
}

// AlertKind names the rule that produced an alert.
type AlertKind string

const (
	KindVolumeSpike AlertKind = "volume_spike"
	KindPricePump   AlertKind = "price_pump"
	KindPriceDump   AlertKind = "price_dump"
)

// Alarm returns the debounce class the rule belongs to.
// Pumps share the spike class: both are upward alarms.
func (k AlertKind) Alarm() AlarmKind {
	switch k {
	case KindVolumeSpike, KindPricePump:
		return AlarmSpike
	case KindPriceDump:
		return AlarmDrop
	default:
		return AlarmNone
	}
}

// Alert is a fired rule for one symbol at one tick.
//
// Magnitude is the traded value over its trailing mean for volume spikes,
// and the fractional price change against the price Offset ticks ago for pumps and dumps.
type Alert struct {
	ID          string
	Symbol      string
	Kind        AlertKind
	Timestamp   int64
	Price       float64
	TradedValue float64
	Magnitude   float64
	Offset      int
	DetectedAt  time.Time
}

// AlarmState remembers the last fired alarm class for a symbol.
type AlarmState struct {
	LastKind    AlarmKind
	LastFiredAt time.Time
}
