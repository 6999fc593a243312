package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tinyrange/knet/internal/netstack"
)

// pollDelay paces services when the stack refuses to block.
const pollDelay = 10 * time.Millisecond

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// stopped reports errors that mean the stack or socket went away under us.
func stopped(err error) bool {
	return errors.Is(err, netstack.ErrStackClosed) ||
		errors.Is(err, netstack.ErrSocketClosed) ||
		errors.Is(err, net.ErrClosed)
}

func runUDPEcho(ctx context.Context, logger *slog.Logger, s *netstack.Stack, port uint16) error {
	sock, err := s.OpenUDP(netstack.IPv4Any, 0, port)
	if err != nil {
		return err
	}
	pc := sock.PacketConn()
	go func() {
		<-ctx.Done()
		pc.Close()
	}()
	logger.Info("echo: udp service listening", "port", port)

	buf := make([]byte, netstack.MTU)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if stopped(err) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if _, err := pc.WriteTo(buf[:n], addr); err != nil {
			logger.Debug("echo: udp reply", "peer", addr, "err", err)
		}
	}
}

func runTCPEcho(ctx context.Context, logger *slog.Logger, s *netstack.Stack, port uint16) error {
	bind, err := s.BindTCP(nil, netstack.IPv4Any, port)
	if err != nil {
		return err
	}
	defer bind.Close()
	go func() {
		<-ctx.Done()
		bind.Close()
	}()
	logger.Info("echo: tcp service listening", "port", port)

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		sock, err := bind.Accept(0)
		switch {
		case err == nil:
		case errors.Is(err, netstack.ErrNoPendingConnection):
			if !sleepCtx(ctx, pollDelay) {
				return nil
			}
			continue
		case stopped(err) || ctx.Err() != nil:
			return nil
		default:
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sock.Close()
			echoStream(ctx, logger, sock)
		}()
	}
}

func echoStream(ctx context.Context, logger *slog.Logger, sock *netstack.TCPSocket) {
	info := sock.Info()
	log := logger.With("peer", net.JoinHostPort(info.RemoteIP.String(), strconv.Itoa(int(info.RemotePort))))
	log.Debug("echo: connection accepted")

	buf := make([]byte, 1024)
	for {
		n, err := sock.Read(buf, 0)
		switch {
		case err == nil:
		case errors.Is(err, netstack.ErrBlockingUnsupported):
			if !sleepCtx(ctx, pollDelay) {
				return
			}
			continue
		case errors.Is(err, io.EOF):
			log.Debug("echo: peer finished")
			return
		default:
			if !stopped(err) {
				log.Debug("echo: read", "err", err)
			}
			return
		}
		for off := 0; off < n; {
			w, err := sock.Write(buf[off:n], 0)
			if err != nil {
				log.Debug("echo: write", "err", err)
				return
			}
			off += w
			if w == 0 && !sleepCtx(ctx, pollDelay) {
				return
			}
		}
	}
}

// runStatusServer serves the stack snapshot until ctx is cancelled.
func runStatusServer(ctx context.Context, logger *slog.Logger, addr string, s *netstack.Stack) error {
	mux := http.NewServeMux()
	mux.Handle("/status", s.StatusHandler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- srv.Shutdown(shutdownCtx)
	}()

	logger.Info("status: listening", "addr", addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return <-done
}
