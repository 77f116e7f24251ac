// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/conman/lib/tpoll"
)

// SerialRetryInterval is the delay before reopening a serial device
// that reported end-of-file or an error.
const SerialRetryInterval = 15 * time.Second

// SerialOptions are a serial line's settings.
type SerialOptions struct {
	BPS      int
	DataBits int
	// Parity is 'n', 'o', or 'e'.
	Parity   byte
	StopBits int
}

// DefaultSerialOptions is 9600,8n1.
var DefaultSerialOptions = SerialOptions{BPS: 9600, DataBits: 8, Parity: 'n', StopBits: 1}

func (o SerialOptions) String() string {
	return fmt.Sprintf("%d,%d%c%d", o.BPS, o.DataBits, o.Parity, o.StopBits)
}

var baudRates = map[int]uint32{
	50: unix.B50, 75: unix.B75, 110: unix.B110, 134: unix.B134, 150: unix.B150,
	200: unix.B200, 300: unix.B300, 600: unix.B600, 1200: unix.B1200,
	1800: unix.B1800, 2400: unix.B2400, 4800: unix.B4800, 9600: unix.B9600,
	19200: unix.B19200, 38400: unix.B38400, 57600: unix.B57600,
	115200: unix.B115200, 230400: unix.B230400, 460800: unix.B460800,
	921600: unix.B921600,
}

// ParseSerialOptions parses "bps[,databits parity stopbits]", for
// example "115200,8n1". Omitted parts keep their defaults.
func ParseSerialOptions(text string, defaults SerialOptions) (SerialOptions, error) {
	options := defaults
	text = strings.TrimSpace(text)
	if text == "" {
		return options, nil
	}

	speed, framing, hasFraming := strings.Cut(text, ",")
	if speed = strings.TrimSpace(speed); speed != "" {
		bps, err := strconv.Atoi(speed)
		if err != nil {
			return SerialOptions{}, fmt.Errorf("seropt bps %q is not a number", speed)
		}
		if _, ok := baudRates[bps]; !ok {
			return SerialOptions{}, fmt.Errorf("seropt bps %d is not a supported rate", bps)
		}
		options.BPS = bps
	}
	if !hasFraming {
		return options, nil
	}

	framing = strings.ToLower(strings.TrimSpace(framing))
	if len(framing) != 3 {
		return SerialOptions{}, fmt.Errorf("seropt framing %q must be <databits><parity><stopbits>", framing)
	}
	dataBits := int(framing[0] - '0')
	if dataBits < 5 || dataBits > 8 {
		return SerialOptions{}, fmt.Errorf("seropt databits %c must be 5-8", framing[0])
	}
	parity := framing[1]
	if parity != 'n' && parity != 'o' && parity != 'e' {
		return SerialOptions{}, fmt.Errorf("seropt parity %c must be n, o, or e", parity)
	}
	stopBits := int(framing[2] - '0')
	if stopBits != 1 && stopBits != 2 {
		return SerialOptions{}, fmt.Errorf("seropt stopbits %c must be 1 or 2", framing[2])
	}
	options.DataBits = dataBits
	options.Parity = parity
	options.StopBits = stopBits
	return options, nil
}

type serialAux struct {
	device  string
	options SerialOptions
	saved   *unix.Termios
	timer   tpoll.ID
}

func (*serialAux) kind() Kind { return KindSerial }

// CreateSerialConsole adds a console on a local serial device.
func (s *Server) CreateSerialConsole(name, device string, options SerialOptions) (*Object, error) {
	if err := s.checkDuplicate(name, func(object *Object) bool {
		aux, ok := object.aux.(*serialAux)
		return ok && aux.device == device
	}, device); err != nil {
		return nil, err
	}
	object := newObject(name, -1, s.bufferSize, &serialAux{device: device, options: options})
	object.history = NewHistory(s.historySize)
	s.registry.add(object)
	return object, nil
}

// openSerial (re)opens the device in raw mode. The device is locked
// against other users; a locked device is an error.
func (s *Server) openSerial(object *Object) error {
	aux := object.aux.(*serialAux)
	s.mux.Cancel(aux.timer)
	aux.timer = 0
	s.closeSerial(object, aux)

	fd, err := unix.Open(aux.device, unix.O_RDWR|unix.O_NONBLOCK|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("console [%s]: opening %q: %w", object.name, aux.device, err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("console [%s]: device %q is locked", object.name, aux.device)
		}
		return fmt.Errorf("console [%s]: locking %q: %w", object.name, aux.device, err)
	}
	saved, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("console [%s]: %q is not a terminal: %w", object.name, aux.device, err)
	}
	settings := *saved
	applySerialOptions(&settings, aux.options)
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &settings); err != nil {
		unix.Close(fd)
		return fmt.Errorf("console [%s]: configuring %q: %w", object.name, aux.device, err)
	}

	aux.saved = saved
	object.fd = fd
	object.gotEOF = false
	s.notify(object, severityInfo, "Console [%s] connected to \"%s\" (%s)", object.name, aux.device, aux.options)
	return nil
}

// applySerialOptions puts tty into raw mode at the given framing.
func applySerialOptions(tty *unix.Termios, options SerialOptions) {
	speed := baudRates[options.BPS]

	tty.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF
	tty.Oflag &^= unix.OPOST
	tty.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	tty.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB | unix.CBAUD
	tty.Cflag |= unix.CREAD | unix.CLOCAL | speed

	switch options.DataBits {
	case 5:
		tty.Cflag |= unix.CS5
	case 6:
		tty.Cflag |= unix.CS6
	case 7:
		tty.Cflag |= unix.CS7
	default:
		tty.Cflag |= unix.CS8
	}
	switch options.Parity {
	case 'o':
		tty.Cflag |= unix.PARENB | unix.PARODD
	case 'e':
		tty.Cflag |= unix.PARENB
	}
	if options.StopBits == 2 {
		tty.Cflag |= unix.CSTOPB
	}
	tty.Ispeed = speed
	tty.Ospeed = speed
	tty.Cc[unix.VMIN] = 1
	tty.Cc[unix.VTIME] = 0
}

// closeSerial restores the saved line settings and closes the device.
func (s *Server) closeSerial(object *Object, aux *serialAux) {
	if object.fd < 0 {
		return
	}
	if aux.saved != nil {
		if err := unix.IoctlSetTermios(object.fd, unix.TCSETS, aux.saved); err != nil {
			s.logger.Debug("unable to restore serial settings", "console", object.name, "error", err)
		}
		aux.saved = nil
	}
	object.closeFD()
}

// disconnectSerial closes a device that failed and schedules a reopen.
func (s *Server) disconnectSerial(object *Object, cause error) {
	aux := object.aux.(*serialAux)
	s.closeSerial(object, aux)
	if cause != nil {
		s.notify(object, severityWarning, "Console [%s] disconnected from \"%s\": %v", object.name, aux.device, cause)
	} else {
		s.notify(object, severityNotice, "Console [%s] disconnected from \"%s\"", object.name, aux.device)
	}
	s.armSerial(object, aux)
}

func (s *Server) armSerial(object *Object, aux *serialAux) {
	s.mux.Cancel(aux.timer)
	aux.timer = 0
	id, err := s.mux.Schedule(SerialRetryInterval, func() {
		aux.timer = 0
		if err := s.openSerial(object); err != nil {
			s.logger.Warn("unable to reopen serial console", "console", object.name, "error", err)
			s.armSerial(object, aux)
		}
	})
	if err != nil {
		s.logger.Warn("unable to schedule serial reopen", "console", object.name, "error", err)
		s.later(func() {
			if !object.destroyed && aux.timer == 0 {
				s.armSerial(object, aux)
			}
		})
		return
	}
	aux.timer = id
}

// sendSerialBreak transmits a break on the line.
func sendSerialBreak(object *Object) error {
	if object.fd < 0 {
		return fmt.Errorf("console [%s] is not connected", object.name)
	}
	if err := unix.IoctlSetInt(object.fd, unix.TCSBRK, 0); err != nil {
		return fmt.Errorf("console [%s]: sending break: %w", object.name, err)
	}
	return nil
}
