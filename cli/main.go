// Package main provides a simple CLI client for drawing on a whiteboard session.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/whiteboard/internal/auth"
	"github.com/xiaot623/gogo/whiteboard/internal/domain"
	"github.com/xiaot623/gogo/whiteboard/internal/protocol"
)

// Client represents a whiteboard WebSocket client.
type Client struct {
	conn      *websocket.Conn
	sessionID string
	done      chan struct{}
}

// NewClient connects to the session endpoint at addr.
func NewClient(addr, sessionID, token string) (*Client, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, errors.Wrap(err, "parse addr")
	}
	q := u.Query()
	q.Set("sessionId", sessionID)
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial")
	}

	return &Client{
		conn:      conn,
		sessionID: sessionID,
		done:      make(chan struct{}),
	}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	close(c.done)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *Client) send(typ string, payload interface{}) error {
	msg := map[string]interface{}{"type": typ, "sessionId": c.sessionID}
	if payload != nil {
		msg["payload"] = payload
	}
	return c.conn.WriteJSON(msg)
}

// Stroke sends a draw or erase through the given points.
func (c *Client) Stroke(typ string, points []domain.Point, color string, width float64) error {
	return c.send(typ, protocol.StrokePayload{Path: domain.FromPolyline(points), Color: color, Width: width})
}

// ReadMessages reads and prints messages from the server.
func (c *Client) ReadMessages() {
	for {
		select {
		case <-c.done:
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					fmt.Printf("\nConnection closed: %d %s\n", ce.Code, ce.Text)
				} else {
					logrus.WithError(err).Warn("read error")
				}
				return
			}

			var base protocol.Message
			if err := json.Unmarshal(data, &base); err != nil {
				logrus.WithError(err).Warn("unmarshal error")
				continue
			}

			var pretty map[string]interface{}
			_ = json.Unmarshal(data, &pretty)
			formatted, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Printf("\n[%s] Received:\n%s\n> ", base.Type, string(formatted))
		}
	}
}

// parsePoints reads "x1,y1 x2,y2 ..." into points.
func parsePoints(fields []string) ([]domain.Point, error) {
	points := make([]domain.Point, 0, len(fields))
	for _, f := range fields {
		xy := strings.SplitN(f, ",", 2)
		if len(xy) != 2 {
			return nil, errors.Errorf("bad point %q, want x,y", f)
		}
		x, err := strconv.ParseFloat(xy[0], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad x in %q", f)
		}
		y, err := strconv.ParseFloat(xy[1], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad y in %q", f)
		}
		points = append(points, domain.Point{X: x, Y: y})
	}
	return points, nil
}

func (c *Client) handle(input string, color string, width float64) error {
	fields := strings.Fields(input)
	switch fields[0] {
	case "draw", "erase":
		points, err := parsePoints(fields[1:])
		if err != nil {
			return err
		}
		return c.Stroke(fields[0], points, color, width)
	case "undo", "clear", "sync":
		return c.send(fields[0], nil)
	default:
		return errors.Errorf("unknown command %q", fields[0])
	}
}

func main() {
	addr := flag.String("addr", "ws://localhost:8090/ws", "WebSocket server address")
	sessionID := flag.String("session", "demo", "Whiteboard session ID")
	token := flag.String("token", "", "Bearer token; minted from -secret when empty")
	secret := flag.String("secret", "", "JWT secret used to mint a token")
	userID := flag.String("user", "cli", "User ID for a minted token")
	name := flag.String("name", "CLI", "Display name for a minted token")
	color := flag.String("color", "#000000", "Stroke color")
	width := flag.Float64("width", 2, "Stroke width")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05"})

	if *token == "" {
		tok, err := auth.NewAuthenticator(*secret).IssueToken(domain.Principal{ID: *userID, DisplayName: *name}, time.Hour)
		if err != nil {
			logrus.WithError(err).Fatal("failed to mint token")
		}
		*token = tok
	}

	fmt.Printf("Connecting to %s (session %s)...\n", *addr, *sessionID)

	client, err := NewClient(*addr, *sessionID, *token)
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect")
	}
	defer client.Close()

	fmt.Println("Connected.")
	fmt.Println("Commands: draw x,y x,y ... | erase x,y ... | undo | clear | sync | /quit")

	go client.ReadMessages()

	// Handle Ctrl+C
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		select {
		case <-interrupt:
			fmt.Println("\nInterrupted")
			return
		default:
			if !scanner.Scan() {
				return
			}

			input := strings.TrimSpace(scanner.Text())
			if input == "" {
				continue
			}
			if input == "/quit" {
				fmt.Println("Bye!")
				return
			}

			if err := client.handle(input, *color, *width); err != nil {
				logrus.WithError(err).Warn("send failed")
			}
		}
	}
}
