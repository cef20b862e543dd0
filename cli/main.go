// Package main provides a simple CLI client for the assistant gateway.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coveo-labs/barca-sports-assistant/internal/domain"
)

// Client represents a WebSocket client bound to one conversation.
type Client struct {
	conn    *websocket.Conn
	localID string
	printed map[string]bool
	done    chan struct{}
}

// createConversation starts a conversation over HTTP and returns its id.
func createConversation(baseURL, title string) (string, error) {
	body, err := json.Marshal(domain.CreateConversationRequest{Title: title})
	if err != nil {
		return "", err
	}
	resp, err := http.Post(baseURL+"/v1/conversations", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create conversation: unexpected status %d", resp.StatusCode)
	}
	var rec domain.ConversationRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return "", fmt.Errorf("decode conversation: %w", err)
	}
	return rec.LocalID, nil
}

// NewClient connects to the live update socket of a conversation.
func NewClient(baseURL, localID string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/v1/conversations/" + localID + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	return &Client{
		conn:    conn,
		localID: localID,
		printed: make(map[string]bool),
		done:    make(chan struct{}),
	}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	close(c.done)
	return c.conn.Close()
}

// SendMessage sends a send_message frame.
func (c *Client) SendMessage(content string) error {
	return c.conn.WriteJSON(domain.ClientFrame{Type: domain.FrameSendMessage, Content: content})
}

// Cancel sends a cancel frame.
func (c *Client) Cancel() error {
	return c.conn.WriteJSON(domain.ClientFrame{Type: domain.FrameCancel})
}

// ReadMessages reads frames from the server and prints new transcript
// entries once they are complete.
func (c *Client) ReadMessages() {
	for {
		select {
		case <-c.done:
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					log.Printf("Read error: %v", err)
				}
				return
			}

			var base struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(data, &base); err != nil {
				log.Printf("Unmarshal error: %v", err)
				continue
			}

			switch base.Type {
			case domain.FrameConversationUpdated:
				var frame domain.UpdateFrame
				if err := json.Unmarshal(data, &frame); err != nil {
					log.Printf("Unmarshal error: %v", err)
					continue
				}
				c.printUpdate(frame)
			case domain.FrameError:
				var frame domain.ErrorFrame
				json.Unmarshal(data, &frame)
				fmt.Printf("\n[error] %s: %s\n", frame.Code, frame.Message)
			}
		}
	}
}

func (c *Client) printUpdate(frame domain.UpdateFrame) {
	for _, m := range frame.VisibleMessages {
		if c.printed[m.ID] || m.Role == domain.RoleUser {
			continue
		}
		if m.Ephemeral {
			fmt.Printf("  ... %s\n", m.Content)
			c.printed[m.ID] = true
			continue
		}
		// Assistant text is printed once the stream settles.
		if frame.Stream.IsStreaming {
			continue
		}
		c.printed[m.ID] = true
		switch m.Kind {
		case domain.MessageKindError:
			fmt.Printf("\n[error] %s\n", m.Content)
		case domain.MessageKindProducts:
			fmt.Printf("\nassistant: %s\n", m.Content)
			if m.Metadata != nil {
				for _, p := range m.Metadata.Products {
					fmt.Printf("  - %s (%.2f %s)\n", p.Title, p.Price, p.Currency)
				}
			}
		default:
			fmt.Printf("\nassistant: %s\n", m.Content)
		}
	}
	if frame.Stream.State == domain.StreamStateError && frame.Stream.StreamError != "" {
		fmt.Printf("[stream error] %s\n", frame.Stream.StreamError)
	}
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "Gateway HTTP address")
	conversation := flag.String("conversation", "", "Existing conversation id (a new one is created when empty)")
	title := flag.String("title", "", "Title for a new conversation")
	flag.Parse()

	log.SetFlags(log.Ltime)
	baseURL := strings.TrimSuffix(*addr, "/")

	localID := *conversation
	if localID == "" {
		id, err := createConversation(baseURL, *title)
		if err != nil {
			log.Fatalf("Failed to create conversation: %v", err)
		}
		localID = id
	}

	fmt.Printf("Connecting to conversation %s...\n", localID)

	client, err := NewClient(baseURL, localID)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()

	fmt.Println("\nType a message and press Enter to send.")
	fmt.Println("Commands: /cancel to stop the response, /quit to exit")

	// Start reading messages in background
	go client.ReadMessages()

	// Handle Ctrl+C
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	// Read user input
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

			switch input {
			case "/quit":
				fmt.Println("Bye!")
				client.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			case "/cancel":
				if err := client.Cancel(); err != nil {
					log.Printf("Cancel error: %v", err)
				}
				continue
			}

			if err := client.SendMessage(input); err != nil {
				log.Printf("Send error: %v", err)
				continue
			}
		}
	}
}
