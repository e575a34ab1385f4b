package models

import (
	"errors"
	"math"
	"testing"
)

func TestTickValidate(t *testing.T) {
	tests := []struct {
		name    string
		tick    Tick
		wantErr bool
	}{
		{
			name:    "valid tick",
			tick:    Tick{Timestamp: 1609294920000, Price: 27683.34, TradedValue: 1442353.58},
			wantErr: false,
		},
		{
			name:    "zero value is allowed",
			tick:    Tick{Timestamp: 1609294920000, Price: 1.5, TradedValue: 0},
			wantErr: false,
		},
		{
			name:    "zero timestamp",
			tick:    Tick{Price: 1, TradedValue: 1},
			wantErr: true,
		},
		{
			name:    "negative price",
			tick:    Tick{Timestamp: 1, Price: -1, TradedValue: 1},
			wantErr: true,
		},
		{
			name:    "NaN price",
			tick:    Tick{Timestamp: 1, Price: math.NaN(), TradedValue: 1},
			wantErr: true,
		},
		{
			name:    "infinite value",
			tick:    Tick{Timestamp: 1, Price: 1, TradedValue: math.Inf(1)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tick.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Tick.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestKlineTick(t *testing.T) {
	k := Kline{OpenTime: 1609294920000, Open: 1, Close: 27683.34, Volume: 52.1, QuoteVolume: 1442353.58}
	got := k.Tick()
	if got.Timestamp != k.OpenTime || got.Price != k.Close || got.TradedValue != k.QuoteVolume {
		t.Errorf("Kline.Tick() = %+v", got)
	}
	if ticks := Ticks([]Kline{k, k}); len(ticks) != 2 {
		t.Errorf("Ticks() len = %d, want 2", len(ticks))
	}
}

func TestAlertKindAlarm(t *testing.T) {
	tests := []struct {
		kind AlertKind
		want AlarmKind
	}{
		{KindVolumeSpike, AlarmSpike},
		{KindPricePump, AlarmSpike},
		{KindPriceDump, AlarmDrop},
		{AlertKind("other"), AlarmNone},
	}
	for _, tt := range tests {
		if got := tt.kind.Alarm(); got != tt.want {
			t.Errorf("%s.Alarm() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestAlarmKindRoundTrip(t *testing.T) {
	for _, k := range []AlarmKind{AlarmNone, AlarmSpike, AlarmDrop} {
		if got := ParseAlarmKind(k.String()); got != k {
			t.Errorf("ParseAlarmKind(%q) = %v, want %v", k.String(), got, k)
		}
	}
}

func TestUpstreamErrorsWrapParent(t *testing.T) {
	for _, err := range []error{ErrRateLimited, ErrNetwork} {
		if !errors.Is(err, ErrUpstreamUnavailable) {
			t.Errorf("%v should wrap ErrUpstreamUnavailable", err)
		}
	}
	if errors.Is(ErrMalformedRecord, ErrUpstreamUnavailable) {
		t.Error("ErrMalformedRecord must not be an upstream error")
	}
}
