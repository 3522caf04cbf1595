package serialmux

import (
	"fmt"
	"strconv"
	"strings"

	"go.bug.st/serial"
)

// DefaultBaudRate is the brick firmware's link speed.
const DefaultBaudRate = 115200

// PortOptions are the serial line settings. Zero values take the brick
// defaults (115200 8N1).
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// ParsePortOptions reads the conventional "115200,8N1" form. Either part may
// be omitted: "57600" and ",8E2" are both accepted.
func ParsePortOptions(s string) (PortOptions, error) {
	var opts PortOptions
	s = strings.TrimSpace(s)
	if s == "" {
		return opts.Normalize()
	}

	baud, frame, _ := strings.Cut(s, ",")
	if baud != "" {
		n, err := strconv.Atoi(baud)
		if err != nil {
			return opts, fmt.Errorf("invalid baud rate %q", baud)
		}
		opts.BaudRate = n
	}
	if frame != "" {
		if len(frame) != 3 {
			return opts, fmt.Errorf("invalid frame %q: want e.g. 8N1", frame)
		}
		opts.DataBits = int(frame[0] - '0')
		opts.Parity = frame[1:2]
		opts.StopBits = int(frame[2] - '0')
	}
	return opts.Normalize()
}

// Normalize fills defaults and validates the settings.
func (o PortOptions) Normalize() (PortOptions, error) {
	if o.BaudRate <= 0 {
		o.BaudRate = DefaultBaudRate
	}
	if o.DataBits == 0 {
		o.DataBits = 8
	}
	if o.DataBits < 5 || o.DataBits > 8 {
		return o, fmt.Errorf("invalid data bits %d: must be between 5 and 8", o.DataBits)
	}
	if o.StopBits == 0 {
		o.StopBits = 1
	}
	if o.StopBits != 1 && o.StopBits != 2 {
		return o, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", o.StopBits)
	}

	switch p := strings.ToUpper(strings.TrimSpace(o.Parity)); p {
	case "", "N", "NONE":
		o.Parity = "N"
	case "E", "EVEN":
		o.Parity = "E"
	case "O", "ODD":
		o.Parity = "O"
	default:
		return o, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return o, nil
}

// String formats normalized options as "115200,8N1".
func (o PortOptions) String() string {
	return fmt.Sprintf("%d,%d%s%d", o.BaudRate, o.DataBits, o.Parity, o.StopBits)
}

var parities = map[string]serial.Parity{
	"N": serial.NoParity,
	"E": serial.EvenParity,
	"O": serial.OddParity,
}

var stopBits = map[int]serial.StopBits{
	1: serial.OneStopBit,
	2: serial.TwoStopBits,
}

// SerialMode converts the options for go.bug.st/serial.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	return &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		Parity:   parities[opts.Parity],
		StopBits: stopBits[opts.StopBits],
	}, nil
}
