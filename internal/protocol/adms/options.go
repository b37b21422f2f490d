package adms

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/biogate/internal/device"
)

// Options are the values sent in the options handshake.
type Options struct {
	ErrorDelay    int
	Delay         int
	TransTimes    string
	TransInterval int
	TransFlag     string
	// TimeZone is the terminal clock offset from UTC in hours. A device's
	// own ADMSConfig.TimeZone takes precedence.
	TimeZone int
	Realtime bool
}

// DefaultOptions returns the handshake values used when none are configured.
func DefaultOptions() Options {
	return Options{
		ErrorDelay:    30,
		Delay:         10,
		TransTimes:    "00:00;14:05",
		TransInterval: 1,
		TransFlag:     "TransData AttLog OpLog EnrollUser ChgUser EnrollFP ChgFP",
		Realtime:      true,
	}
}

// timeZone returns the effective offset in hours for d.
func (o Options) timeZone(d *device.Device) int {
	if cfg, ok := d.Config.(device.ADMSConfig); ok && cfg.TimeZone != nil {
		return *cfg.TimeZone
	}
	return o.TimeZone
}

// location is the fixed zone terminal timestamps are written in.
func (o Options) location(d *device.Device) *time.Location {
	tz := o.timeZone(d)
	if tz == 0 {
		return time.UTC
	}
	return time.FixedZone(fmt.Sprintf("UTC%+d", tz), tz*3600)
}

// handshake renders the GET cdata reply for d.
func (o Options) handshake(d *device.Device) string {
	stamp := "0"
	if !d.Cursor.IsZero() {
		stamp = strconv.FormatInt(d.Cursor.Unix(), 10)
	}
	realtime := "0"
	if o.Realtime {
		realtime = "1"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "GET OPTION FROM: %s\n", d.Serial)
	fmt.Fprintf(&b, "ATTLOGStamp=%s\n", stamp)
	b.WriteString("OPERLOGStamp=9999\n")
	b.WriteString("ATTPHOTOStamp=None\n")
	fmt.Fprintf(&b, "ErrorDelay=%d\n", o.ErrorDelay)
	fmt.Fprintf(&b, "Delay=%d\n", o.Delay)
	fmt.Fprintf(&b, "TransTimes=%s\n", o.TransTimes)
	fmt.Fprintf(&b, "TransInterval=%d\n", o.TransInterval)
	fmt.Fprintf(&b, "TransFlag=%s\n", o.TransFlag)
	fmt.Fprintf(&b, "TimeZone=%d\n", o.timeZone(d))
	fmt.Fprintf(&b, "Realtime=%s\n", realtime)
	b.WriteString("Encrypt=None\n")
	return b.String()
}
