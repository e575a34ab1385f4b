package notify

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/tickwatch/internal/models"
)

// Price renders v with four significant digits.
func Price(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	d, err := decimal.NewFromString(strconv.FormatFloat(v, 'e', 3, 64))
	if err != nil {
		return strconv.FormatFloat(v, 'g', 4, 64)
	}
	return d.String()
}

// Summary is the one-line description shared by the console and Telegram output.
func Summary(a models.Alert) string {
	switch a.Kind {
	case models.KindVolumeSpike:
		return fmt.Sprintf("traded value %s is %.2fx the trailing mean", Price(a.TradedValue), a.Magnitude)
	case models.KindPricePump, models.KindPriceDump:
		return fmt.Sprintf("%+.2f%% over %d min", a.Magnitude*100, a.Offset)
	default:
		return fmt.Sprintf("magnitude %.3f", a.Magnitude)
	}
}

// TickTime is the UTC open time of the alert's tick.
func TickTime(a models.Alert) time.Time {
	return time.UnixMilli(a.Timestamp).UTC()
}

// Console writes each alert as one line to w.
type Console struct {
	w io.Writer
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) Notify(a models.Alert) error {
	_, err := fmt.Fprintf(c.w, "%s  %-12s %-12s price=%s  %s\n",
		TickTime(a).Format("2006-01-02 15:04"), a.Symbol, a.Kind, Price(a.Price), Summary(a))
	return err
}

// AlertJournal is the persistence side of the journal notifier.
type AlertJournal interface {
	AddAlert(alert models.Alert) error
}

// Journal records every alert in an AlertJournal.
func Journal(j AlertJournal) Notifier {
	return NotifierFunc(j.AddAlert)
}
