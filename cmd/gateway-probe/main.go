// gateway-probe is a diagnostic client that connects to a running gateway,
// subscribes to a few symbols and prints events as they arrive.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"tradegate/internal/protocol"
)

type conn interface {
	send(payload []byte) error
	recv() ([]byte, error)
	close() error
}

type framedConn struct {
	c  net.Conn
	fr *protocol.FrameReader
}

func (f *framedConn) send(p []byte) error { return protocol.WriteFrame(f.c, p) }
func (f *framedConn) recv() ([]byte, error) { return f.fr.ReadFrame() }
func (f *framedConn) close() error { return f.c.Close() }

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) send(p []byte) error { return w.c.WriteMessage(websocket.TextMessage, p) }

func (w *wsConn) recv() ([]byte, error) {
	_, p, err := w.c.ReadMessage()
	return p, err
}

func (w *wsConn) close() error { return w.c.Close() }

func dial(addr string, ws bool) (conn, error) {
	if ws {
		c, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
		if err != nil {
			return nil, err
		}
		return &wsConn{c: c}, nil
	}
	c, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	return &framedConn{c: c, fr: protocol.NewFrameReader(c, 0)}, nil
}

func main() {
	addr := flag.String("addr", "127.0.0.1:36973", "gateway address")
	ws := flag.Bool("ws", false, "use the websocket transport instead of framed TCP")
	symbols := flag.String("symbols", "ES 09-25,NQ 09-25", "comma separated symbols to subscribe")
	depth := flag.Bool("depth", false, "include level-2 depth")
	account := flag.String("account", "", "account to request (empty = all)")
	flag.Parse()

	mode := "framed"
	if *ws {
		mode = "websocket"
	}
	fmt.Printf("[probe] Connecting to %s (%s)\n", *addr, mode)

	c, err := dial(*addr, *ws)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[probe] dial failed: %v\n", err)
		os.Exit(1)
	}
	defer c.close()

	var syms []string
	for _, s := range strings.Split(*symbols, ",") {
		if s = strings.TrimSpace(s); s != "" {
			syms = append(syms, s)
		}
	}
	commands := []any{
		map[string]any{"cmd": "Ping", "reqId": 1, "clientId": "gateway-probe", "timestamp": time.Now().UTC()},
		map[string]any{"cmd": "SubscribeMarketData", "reqId": 2, "symbols": syms, "includeDepth": *depth},
		map[string]any{"cmd": "GetAccountInfo", "reqId": 3, "accountName": *account},
	}
	for _, cmd := range commands {
		payload, _ := json.Marshal(cmd)
		if err := c.send(payload); err != nil {
			fmt.Fprintf(os.Stderr, "[probe] send failed: %v\n", err)
			os.Exit(1)
		}
	}
	fmt.Println("[probe] Waiting for events... (Ctrl+C to stop)")
	fmt.Println("---")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	counts := make(map[string]int)
	events := make(chan []byte, 256)
	errCh := make(chan error, 1)
	go func() {
		for {
			p, err := c.recv()
			if err != nil {
				errCh <- err
				return
			}
			events <- p
		}
	}()

	for {
		select {
		case <-sigCh:
			fmt.Printf("\n[probe] Totals: %v\n", counts)
			return
		case err := <-errCh:
			fmt.Printf("\n[probe] Connection closed: %v\n[probe] Totals: %v\n", err, counts)
			return
		case p := <-events:
			var head struct {
				Evt string `json:"evt"`
			}
			if err := json.Unmarshal(p, &head); err != nil {
				fmt.Printf("BAD   %s\n", p)
				continue
			}
			counts[head.Evt]++
			fmt.Printf("%-12s #%-5d %s\n", head.Evt, counts[head.Evt], p)
		}
	}
}
