package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/charmbracelet/log"
	"github.com/tarm/serial"
)

const (
	DefaultCurrentChannel = "EBIT:CATHCUR:RDCUR"
	DefaultVoltageChannel = "EBIT:GUNFOCUS:VOL"
	DefaultBaud           = 9600
	DefaultTimeout        = 3 * time.Second

	terminator = '\n'
)

var (
	// ErrGateway is returned when the gateway answers with ERR.
	ErrGateway = errors.New("device: gateway error")

	// ErrMalformedReply is returned for replies that cannot be parsed.
	ErrMalformedReply = errors.New("device: malformed reply")
)

// Channels names the process variables read and written on the gateway.
type Channels struct {
	Current string
	Voltage string
}

func DefaultChannels() Channels {
	return Channels{Current: DefaultCurrentChannel, Voltage: DefaultVoltageChannel}
}

/*
Remote talks to a channel-access gateway over a newline-terminated ASCII
protocol:

	GET EBIT:CATHCUR:RDCUR      -> 49.872
	PUT EBIT:GUNFOCUS:VOL 501.2 -> OK
	anything that fails         -> ERR <text>

The link is TCP unless Serial is set, in which case Addr is a serial device
path. The connection is opened lazily and dropped after any I/O error, so
the next call reconnects.
*/
type Remote struct {
	Addr     string
	Serial   bool
	Baud     int
	Timeout  time.Duration
	RetryFor time.Duration
	Channels Channels

	logger *log.Logger

	mu   sync.Mutex
	conn io.ReadWriteCloser
	rd   *bufio.Reader
}

func NewRemote(addr string, serial bool, ch Channels, logger *log.Logger) *Remote {
	if logger == nil {
		logger = log.Default()
	}
	return &Remote{
		Addr:     addr,
		Serial:   serial,
		Baud:     DefaultBaud,
		Timeout:  DefaultTimeout,
		RetryFor: DefaultTimeout,
		Channels: ch,
		logger:   logger,
	}
}

// Open connects with exponential backoff, the gateway does not like being
// connection thrashed.
func (r *Remote) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open(ctx)
}

func (r *Remote) open(ctx context.Context) error {
	if r.conn != nil {
		return nil
	}

	attempt := 0
	op := func() error {
		attempt++
		conn, err := r.dial()
		if err != nil {
			r.logger.Debug("gateway connect failed", "addr", r.Addr, "attempt", attempt, "err", err)
			return err
		}
		r.conn = conn
		r.rd = bufio.NewReader(conn)
		return nil
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      r.RetryFor,
		Clock:               backoff.SystemClock,
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("connect to %s: %w", r.Addr, err)
	}
	r.logger.Info("connected to gateway", "addr", r.Addr, "serial", r.Serial)
	return nil
}

func (r *Remote) dial() (io.ReadWriteCloser, error) {
	if r.Serial {
		return serial.OpenPort(&serial.Config{
			Name:        r.Addr,
			Baud:        r.Baud,
			ReadTimeout: r.Timeout,
		})
	}
	return net.DialTimeout("tcp", r.Addr, r.Timeout)
}

// Close drops the connection.
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drop()
}

func (r *Remote) drop() error {
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	r.rd = nil
	return err
}

func (r *Remote) sendRecv(ctx context.Context, line string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.open(ctx); err != nil {
		return "", err
	}

	if nc, ok := r.conn.(net.Conn); ok {
		deadline := time.Now().Add(r.Timeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		nc.SetDeadline(deadline)
	}

	if _, err := io.WriteString(r.conn, line+string(terminator)); err != nil {
		r.drop()
		return "", err
	}
	resp, err := r.rd.ReadString(terminator)
	if err != nil {
		r.drop()
		return "", err
	}
	resp = strings.TrimSpace(resp)
	if strings.HasPrefix(resp, "ERR") {
		return "", fmt.Errorf("%w: %s", ErrGateway, strings.TrimSpace(strings.TrimPrefix(resp, "ERR")))
	}
	return resp, nil
}

func (r *Remote) get(ctx context.Context, channel string) (float64, error) {
	resp, err := r.sendRecv(ctx, "GET "+channel)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(resp, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedReply, resp)
	}
	return v, nil
}

func (r *Remote) put(ctx context.Context, channel string, v float64) error {
	resp, err := r.sendRecv(ctx, "PUT "+channel+" "+strconv.FormatFloat(v, 'f', -1, 64))
	if err != nil {
		return err
	}
	if resp != "OK" {
		return fmt.Errorf("%w: %q", ErrMalformedReply, resp)
	}
	return nil
}

func (r *Remote) ReadCurrent(ctx context.Context) (float64, error) {
	return r.get(ctx, r.Channels.Current)
}

func (r *Remote) ReadVoltage(ctx context.Context) (float64, error) {
	return r.get(ctx, r.Channels.Voltage)
}

func (r *Remote) WriteVoltage(ctx context.Context, v float64) error {
	return r.put(ctx, r.Channels.Voltage, v)
}
