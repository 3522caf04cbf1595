package brick

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformed is returned by ParseLine for lines that are not telemetry.
var ErrMalformed = errors.New("malformed telemetry line")

// Kind identifies a telemetry record.
type Kind byte

const (
	KindTacho   Kind = 'T' // T <port> <degrees>
	KindRange   Kind = 'U' // U <port> <cm>
	KindLight   Kind = 'L' // L <port> <percent>
	KindStopped Kind = 'S' // S <port> STOPPED
	KindError   Kind = 'E' // E <message...>
)

// Reading is one parsed telemetry line.
type Reading struct {
	Kind  Kind
	Port  string
	Value float64
	Text  string
}

// ParseLine decodes one line received from the brick.
func ParseLine(line string) (Reading, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || len(fields[0]) != 1 {
		return Reading{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}

	r := Reading{Kind: Kind(fields[0][0])}
	switch r.Kind {
	case KindError:
		r.Text = strings.Join(fields[1:], " ")
		return r, nil
	case KindStopped:
		if len(fields) != 3 || fields[2] != "STOPPED" {
			return Reading{}, fmt.Errorf("%w: %q", ErrMalformed, line)
		}
		r.Port = fields[1]
		return r, nil
	case KindTacho, KindRange, KindLight:
		if len(fields) != 3 {
			return Reading{}, fmt.Errorf("%w: %q", ErrMalformed, line)
		}
		v, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return Reading{}, fmt.Errorf("%w: %q: %v", ErrMalformed, line, err)
		}
		r.Port, r.Value = fields[1], v
		return r, nil
	default:
		return Reading{}, fmt.Errorf("%w: unknown kind %q", ErrMalformed, fields[0])
	}
}

func motorCmd(port, verb string) string { return "M " + port + " " + verb }

func speedCmd(port string, degPerSec float64) string {
	return fmt.Sprintf("M %s SPEED %d", port, int(degPerSec))
}

func rangeCmd(port string, on bool) string { return "U " + port + " " + onOff(on) }

func lightCmd(port string, on bool) string { return "L " + port + " LIGHT " + onOff(on) }

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
