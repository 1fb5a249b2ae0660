package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// Plant is what a Gateway exposes: a current readback and a voltage setpoint.
type Plant interface {
	ReadCurrent(ctx context.Context) (float64, error)
	ReadVoltage(ctx context.Context) (float64, error)
	WriteVoltage(ctx context.Context, v float64) error
}

// Gateway serves a Plant over the line protocol understood by Remote.
type Gateway struct {
	Plant    Plant
	Channels Channels
	logger   *log.Logger
}

func NewGateway(p Plant, ch Channels, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.Default()
	}
	return &Gateway{Plant: p, Channels: ch, logger: logger}
}

// Serve accepts connections until ctx is canceled or the listener fails.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.handle(ctx, conn)
		}()
	}
}

func (g *Gateway) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	g.logger.Debug("gateway client connected", "remote", conn.RemoteAddr())

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		resp := g.exec(ctx, line)
		if _, err := fmt.Fprintf(conn, "%s\n", resp); err != nil {
			return
		}
	}
}

func (g *Gateway) exec(ctx context.Context, line string) string {
	fields := strings.Fields(line)
	switch {
	case len(fields) == 2 && strings.EqualFold(fields[0], "GET"):
		var (
			v   float64
			err error
		)
		switch fields[1] {
		case g.Channels.Current:
			v, err = g.Plant.ReadCurrent(ctx)
		case g.Channels.Voltage:
			v, err = g.Plant.ReadVoltage(ctx)
		default:
			return "ERR unknown channel " + fields[1]
		}
		if err != nil {
			return "ERR " + err.Error()
		}
		return strconv.FormatFloat(v, 'f', -1, 64)

	case len(fields) == 3 && strings.EqualFold(fields[0], "PUT"):
		if fields[1] != g.Channels.Voltage {
			return "ERR channel not writable " + fields[1]
		}
		v, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return "ERR bad value " + fields[2]
		}
		if err := g.Plant.WriteVoltage(ctx, v); err != nil {
			return "ERR " + err.Error()
		}
		return "OK"
	}
	return "ERR bad command"
}
