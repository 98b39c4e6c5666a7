package main

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/fradomos/domos/internal/config"
)

// runPair prints a terminal QR code of the API URL. The mobile client
// scans it instead of typing the address. Without an explicit target
// the URL is derived from the listen config and this host's outbound
// address.
func runPair(w io.Writer, configPath, target string) error {
	if target == "" {
		cfg := config.Default()
		if configPath != "" {
			loaded, _, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
		} else if loaded, _, err := loadConfig(""); err == nil {
			cfg = loaded
		}
		target = pairURL(cfg.Listen, outboundHost())
	}

	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("pair URL %q must be an absolute http(s) URL", target)
	}

	code, err := qrcode.New(u.String(), qrcode.Medium)
	if err != nil {
		return fmt.Errorf("encode QR code: %w", err)
	}
	fmt.Fprint(w, code.ToSmallString(false))
	fmt.Fprintf(w, "\nScan with the Domos app or open %s\n", u)
	return nil
}

// pairURL builds the API base URL from the listen settings. A specific
// bind address wins over the detected host.
func pairURL(l config.ListenConfig, host string) string {
	if l.Address != "" && l.Address != "0.0.0.0" && l.Address != "::" {
		host = l.Address
	}
	return (&url.URL{Scheme: "http", Host: net.JoinHostPort(host, strconv.Itoa(l.Port))}).String()
}

// outboundHost returns the local address used for outbound traffic.
// A UDP "connection" sends no packets; it only selects a route.
func outboundHost() string {
	conn, err := net.Dial("udp", "192.0.2.1:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "localhost"
}
