package logfile

import (
	"strconv"
	"strings"
	"time"
)

// FormatTimestamp renders t using a strftime-like format string. The
// specifiers the log_date_format key documents are supported; unknown
// specifiers pass through verbatim.
func FormatTimestamp(format string, t time.Time) string {
	var b strings.Builder
	b.Grow(len(format) + 8)

	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' || i+1 >= len(format) {
			b.WriteByte(c)
			continue
		}
		i++
		switch format[i] {
		case 'Y':
			b.WriteString(t.Format("2006"))
		case 'y':
			b.WriteString(t.Format("06"))
		case 'm':
			b.WriteString(t.Format("01"))
		case 'd':
			b.WriteString(t.Format("02"))
		case 'H':
			b.WriteString(t.Format("15"))
		case 'M':
			b.WriteString(t.Format("04"))
		case 'S':
			b.WriteString(t.Format("05"))
		case 'f':
			b.WriteString(t.Format(".000000")[1:])
		case 'j':
			b.WriteString(strconv.Itoa(t.YearDay()))
		case 's':
			b.WriteString(strconv.FormatInt(t.Unix(), 10))
		case 'z':
			b.WriteString(t.Format("-0700"))
		case 'Z':
			b.WriteString(t.Format("MST"))
		case '%':
			b.WriteByte('%')
		default:
			b.WriteByte('%')
			b.WriteByte(format[i])
		}
	}

	return b.String()
}
