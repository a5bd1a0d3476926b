package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/noorcity/messaging/loadtest/client"
)

// runSmoke drives a single user pair through the full protocol surface and
// reports pass/fail per step. It is meant as a quick deployment check, not a
// load generator.
func runSmoke(args []string) {
	fs := flag.NewFlagSet("smoke", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket gateway URL")
	timeout := fs.Duration("timeout", 10*time.Second, "Per-step timeout")
	fs.Parse(args)

	fmt.Printf("Smoke test against %s\n\n", *url)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	failed := false
	step := func(name string, fn func() error) {
		if failed {
			return
		}
		if err := fn(); err != nil {
			fmt.Printf("  FAIL %-28s %v\n", name, err)
			failed = true
			return
		}
		fmt.Printf("  ok   %s\n", name)
	}

	var (
		alice, bob *client.Client
		roomID     string
	)
	contacts := make(chan json.RawMessage, 1)
	opened := make(chan string, 1)
	received := make(chan string, 4)
	replies := make(chan []string, 4)

	step("connect both users", func() error {
		var err error
		alice, err = client.New(ctx, *url, "smoke-alice", "Alice")
		if err != nil {
			return err
		}
		bob, err = client.New(ctx, *url, "smoke-bob", "Bob")
		return err
	})
	if alice != nil {
		defer alice.Close()
	}
	if bob != nil {
		defer bob.Close()
	}

	step("list_contacts answers", func() error {
		alice.On(client.TypeContacts, func(raw json.RawMessage) {
			select {
			case contacts <- raw:
			default:
			}
		})
		if err := alice.Send(map[string]string{"type": client.TypeListContacts}); err != nil {
			return err
		}
		select {
		case <-contacts:
			return nil
		case <-time.After(*timeout):
			return fmt.Errorf("no contacts response within %s", *timeout)
		}
	})

	step("open_conversation confirms", func() error {
		alice.On(client.TypeConversationOpened, func(raw json.RawMessage) {
			var frame struct {
				RoomID string `json:"room_id"`
			}
			if json.Unmarshal(raw, &frame) == nil {
				select {
				case opened <- frame.RoomID:
				default:
				}
			}
		})
		bob.On(client.TypeMessage, func(raw json.RawMessage) {
			var frame struct {
				Message struct {
					SenderID string `json:"sender_id"`
					Body     string `json:"body"`
				} `json:"message"`
			}
			if json.Unmarshal(raw, &frame) == nil && frame.Message.SenderID != bob.UserID() {
				received <- frame.Message.Body
			}
		})
		bob.On(client.TypeSmartReplies, func(raw json.RawMessage) {
			var frame struct {
				Suggestions []struct {
					Text string `json:"text"`
				} `json:"suggestions"`
			}
			if json.Unmarshal(raw, &frame) == nil {
				texts := make([]string, 0, len(frame.Suggestions))
				for _, s := range frame.Suggestions {
					texts = append(texts, s.Text)
				}
				replies <- texts
			}
		})
		if err := bob.OpenConversation("smoke-alice"); err != nil {
			return err
		}
		if err := alice.OpenConversation("smoke-bob"); err != nil {
			return err
		}
		select {
		case roomID = <-opened:
			return nil
		case <-time.After(*timeout):
			return fmt.Errorf("no conversation_opened within %s", *timeout)
		}
	})

	step("message reaches the peer", func() error {
		if err := alice.SendMessage(roomID, "bonjour"); err != nil {
			return err
		}
		select {
		case body := <-received:
			if body != "bonjour" {
				return fmt.Errorf("peer received %q, want %q", body, "bonjour")
			}
			return nil
		case <-time.After(*timeout):
			return fmt.Errorf("peer did not receive the message within %s", *timeout)
		}
	})

	step("smart replies follow inbound", func() error {
		select {
		case texts := <-replies:
			if len(texts) == 0 {
				return fmt.Errorf("empty suggestion set")
			}
			return nil
		case <-time.After(*timeout):
			return fmt.Errorf("no smart_replies within %s", *timeout)
		}
	})

	step("close_conversation accepted", func() error {
		return alice.Send(map[string]string{
			"type":    client.TypeCloseConversation,
			"room_id": roomID,
		})
	})

	if failed {
		fmt.Println("\nSmoke test FAILED")
		os.Exit(1)
	}
	fmt.Println("\nSmoke test passed")
}
