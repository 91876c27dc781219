//go:build linux

// Demo CLI for connmgr (Linux only)
//
// Prerequisites
// - Linux with BlueZ (bluetoothd) running and system D-Bus access.
// - Adapter powered on: `bluetoothctl power on`.
// - The peer paired beforehand (`bluetoothctl pair XX:XX:XX:XX:XX:XX`) for the
//   secure stage; the raw and insecure stages work without pairing on most
//   devices.
// - RegisterProfile and raw RFCOMM sockets usually need root: run with `sudo`.
//
// Usage
// 1) Connect to a known device and print newline-terminated frames:
//     sudo go run ./cmd/connmgr-demo -device 00:11:22:33:44:55 -delimiter '\n'
//
// 2) Connect to whichever SPP device discovery reports first:
//     sudo go run ./cmd/connmgr-demo -timeout=60s
//
// 3) Talk to a device bound to a tty (`rfcomm bind 0 XX:XX:XX:XX:XX:XX`):
//     go run ./cmd/connmgr-demo -device XX:XX:XX:XX:XX:XX -tty /dev/rfcomm0
//
// Every line typed on stdin is sent to the device followed by -eol.
//
// Notes
// - Ctrl-C disconnects and exits.
// - -raw-channel selects the RFCOMM channel of the second fallback stage.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"bluetooth-serial/internal/bluez"
	"bluetooth-serial/internal/config"
	"bluetooth-serial/internal/connmgr"
	"bluetooth-serial/internal/eventbus"
	"bluetooth-serial/internal/logging"
	"bluetooth-serial/internal/ttyport"
)

func main() {
	devAddr := flag.String("device", "", "peer address to connect. If empty, connect to the first discovered SPP device.")
	delimiter := flag.String("delimiter", `\n`, "frame delimiter (Go escapes allowed); empty prints nothing until -read")
	eol := flag.String("eol", `\r\n`, "appended to every stdin line before it is written")
	adapterName := flag.String("adapter", "", "BlueZ adapter, e.g. hci0 (default: first)")
	ttyPath := flag.String("tty", "", "use this serial device for -device instead of BlueZ")
	rawChannel := flag.Uint("raw-channel", uint(connmgr.DefaultRawChannel), "RFCOMM channel for the direct-channel stage")
	timeout := flag.Duration("timeout", 30*time.Second, "connect timeout")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	log, err := logging.New(config.LogConfig{Level: level, Format: "console"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync() //nolint:errcheck

	delim, err := unescape(*delimiter)
	if err != nil {
		log.Fatal("bad -delimiter", zap.Error(err))
	}
	lineEnd, err := unescape(*eol)
	if err != nil {
		log.Fatal("bad -eol", zap.Error(err))
	}
	if err := connmgr.ValidateRawChannel(*rawChannel); err != nil {
		log.Fatal("bad -raw-channel", zap.Error(err))
	}

	// Ctrl-C cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	bus := eventbus.New(256)
	opts := []connmgr.Option{
		connmgr.WithLogger(log),
		connmgr.WithRawChannel(uint8(*rawChannel)),
	}

	var adapter connmgr.Adapter
	if *ttyPath != "" {
		if *devAddr == "" {
			log.Fatal("-tty needs -device")
		}
		a, err := ttyport.New([]ttyport.PortConfig{{Peer: connmgr.ParsePeerID(*devAddr), Device: *ttyPath}}, log)
		if err != nil {
			log.Fatal("tty adapter", zap.Error(err))
		}
		adapter = a
	} else {
		a, err := bluez.Open(ctx, bluez.Options{AdapterName: *adapterName, FilterSPP: true, Logger: log})
		if err != nil {
			log.Fatal("bluetooth adapter", zap.Error(err))
		}
		defer a.Close()
		adapter = a
		opts = append(opts, connmgr.WithDiscovery(a))
	}

	m := connmgr.New(adapter, bus, opts...)
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn("close", zap.Error(err))
		}
	}()

	events, unsub := bus.Subscribe()
	defer unsub()

	id := connmgr.ParsePeerID(*devAddr)
	if id == "" {
		fmt.Println("Waiting for an SPP device to show up...")
	} else {
		fmt.Printf("Connecting to %s (timeout=%s)...\n", id, *timeout)
	}
	connectCtx, connectCancel := context.WithTimeout(ctx, *timeout)
	peer, err := m.Connect(connectCtx, id)
	connectCancel()
	if err != nil {
		m.Disconnect(id)
		log.Fatal("connect", zap.Error(err))
	}
	if err := m.SetDelimiter(peer.ID, delim); err != nil {
		log.Fatal("set delimiter", zap.Error(err))
	}
	fmt.Printf("CONNECTED: %s (%s)\n", displayPeer(peer), peer.Address)

	go writeStdin(ctx, m, peer.ID, lineEnd)

	for {
		select {
		case <-ctx.Done():
			m.Disconnect(peer.ID)
			if rest := m.Read(peer.ID); rest != "" {
				fmt.Printf("unframed: %q\n", rest)
			}
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Kind {
			case connmgr.EventData:
				fmt.Printf("<< %q\n", e.Data)
			case connmgr.EventConnectionLost:
				fmt.Printf("LOST: %s\n", displayPeer(*e.Peer))
				if rest := m.Read(peer.ID); rest != "" {
					fmt.Printf("unframed: %q\n", rest)
				}
				return
			case connmgr.EventError:
				fmt.Printf("ERROR: %s\n", e.Message)
			}
		}
	}
}

func writeStdin(ctx context.Context, m connmgr.Manager, id connmgr.PeerID, lineEnd string) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		m.Write(id, []byte(sc.Text()+lineEnd))
	}
}

func displayPeer(p connmgr.Peer) string {
	if p.Name != "" {
		return p.Name
	}
	return string(p.ID)
}

// unescape interprets Go escapes such as \r\n typed on the command line.
func unescape(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	return strconv.Unquote(`"` + s + `"`)
}
