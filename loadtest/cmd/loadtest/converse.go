package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/noorcity/messaging/loadtest/client"
	"github.com/noorcity/messaging/loadtest/stats"
)

// pairCounters tracks aggregate outcomes across all conversation pairs.
type pairCounters struct {
	opened   atomic.Int64
	msgSent  atomic.Int64
	msgRecv  atomic.Int64
	failures atomic.Int64
}

// runConverse implements the conversation lifecycle load test. Each simulated
// user pair goes through the complete flow: connect with identity headers ->
// open_conversation -> exchange messages -> close_conversation. Delivery
// latency is measured end-to-end by embedding the send time in the message
// body and timing its arrival at the peer.
func runConverse(args []string) {
	fs := flag.NewFlagSet("converse", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket gateway URL")
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for pair creation")
	talkDuration := fs.Duration("talk", 30*time.Second, "How long each pair exchanges messages")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	openTimeout := fs.Duration("open-timeout", 15*time.Second, "Timeout waiting for conversation_opened")
	metricsURL := fs.String("metrics-url", "http://localhost:9090/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	fmt.Printf("Converse test: %d pairs (%d clients) to %s (ramp=%s, talk=%s, interval=%s)\n",
		*pairs, *pairs*2, *url, *rampUp, *talkDuration, *msgInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	counters := &pairCounters{}

	interval := *rampUp / time.Duration(*pairs)
	if interval <= 0 {
		interval = time.Millisecond
	}

	var wg sync.WaitGroup
	rampTicker := time.NewTicker(interval)

	launched := 0
	for launched < *pairs {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			launched = *pairs
		case <-rampTicker.C:
			launched++
			pairNum := launched
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := runPair(ctx, *url, pairNum, *talkDuration, *msgInterval, *openTimeout, collector, counters); err != nil {
					counters.failures.Add(1)
					collector.AddError()
					fmt.Printf("  [pair %d] %v\n", pairNum, err)
				}
			}()
		}
	}
	rampTicker.Stop()

	wg.Wait()
	scraper.Stop()

	fmt.Printf("\nPairs opened:      %d/%d\n", counters.opened.Load(), *pairs)
	fmt.Printf("Messages sent:     %d\n", counters.msgSent.Load())
	fmt.Printf("Messages received: %d\n", counters.msgRecv.Load())
	fmt.Printf("Pair failures:     %d\n", counters.failures.Load())
	collector.Report()
}

// runPair drives one user pair through the full conversation lifecycle.
func runPair(ctx context.Context, url string, pairNum int, talk, msgInterval, openTimeout time.Duration, collector *stats.Collector, counters *pairCounters) error {
	idA := fmt.Sprintf("conv-%04d-a", pairNum)
	idB := fmt.Sprintf("conv-%04d-b", pairNum)

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	a, err := client.New(connCtx, url, idA, "Pair "+idA)
	if err != nil {
		return fmt.Errorf("connect %s: %w", idA, err)
	}
	defer a.Close()
	collector.AddConnect(a.GetMetrics().ConnectLatency)

	b, err := client.New(connCtx, url, idB, "Pair "+idB)
	if err != nil {
		return fmt.Errorf("connect %s: %w", idB, err)
	}
	defer b.Close()
	collector.AddConnect(b.GetMetrics().ConnectLatency)

	// Delivery latency: the sender embeds its send time in the body; the
	// peer measures on arrival. Own committed echoes are skipped.
	recvHandler := func(self *client.Client) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			var frame struct {
				Message struct {
					SenderID string `json:"sender_id"`
					Body     string `json:"body"`
				} `json:"message"`
			}
			if err := json.Unmarshal(raw, &frame); err != nil {
				return
			}
			if frame.Message.SenderID == self.UserID() {
				return
			}
			counters.msgRecv.Add(1)
			sentAt, ok := parseBodyTimestamp(frame.Message.Body)
			if ok {
				collector.AddMsgLatency(time.Since(sentAt))
			}
		}
	}
	a.On(client.TypeMessage, recvHandler(a))
	b.On(client.TypeMessage, recvHandler(b))

	openedA := make(chan string, 1)
	a.On(client.TypeConversationOpened, func(raw json.RawMessage) {
		var frame struct {
			RoomID string `json:"room_id"`
		}
		if err := json.Unmarshal(raw, &frame); err == nil {
			select {
			case openedA <- frame.RoomID:
			default:
			}
		}
	})
	openedB := make(chan string, 1)
	b.On(client.TypeConversationOpened, func(raw json.RawMessage) {
		var frame struct {
			RoomID string `json:"room_id"`
		}
		if err := json.Unmarshal(raw, &frame); err == nil {
			select {
			case openedB <- frame.RoomID:
			default:
			}
		}
	})

	openStart := time.Now()
	if err := a.OpenConversation(idB); err != nil {
		return fmt.Errorf("open from %s: %w", idA, err)
	}
	if err := b.OpenConversation(idA); err != nil {
		return fmt.Errorf("open from %s: %w", idB, err)
	}

	var roomID string
	for i := 0; i < 2; i++ {
		select {
		case roomID = <-openedA:
		case roomID = <-openedB:
		case <-time.After(openTimeout):
			return fmt.Errorf("timed out waiting for conversation_opened")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	collector.AddOpenLatency(time.Since(openStart))
	counters.opened.Add(1)

	// Exchange phase: both sides send on the same cadence, offset by half an
	// interval so the room sees alternating traffic.
	deadline := time.NewTimer(talk)
	defer deadline.Stop()
	tickerA := time.NewTicker(msgInterval)
	defer tickerA.Stop()

	time.Sleep(msgInterval / 2)
	tickerB := time.NewTicker(msgInterval)
	defer tickerB.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			// Close the conversation on both sides before disconnecting.
			a.Send(map[string]string{"type": client.TypeCloseConversation, "room_id": roomID})
			b.Send(map[string]string{"type": client.TypeCloseConversation, "room_id": roomID})
			return nil
		case <-tickerA.C:
			seq++
			if err := a.SendMessage(roomID, timestampedBody(seq)); err == nil {
				counters.msgSent.Add(1)
			}
		case <-tickerB.C:
			seq++
			if err := b.SendMessage(roomID, timestampedBody(seq)); err == nil {
				counters.msgSent.Add(1)
			}
		}
	}
}

// timestampedBody builds a message body carrying the send time in
// nanoseconds, so the receiving side can compute end-to-end latency.
func timestampedBody(seq int) string {
	return fmt.Sprintf("%d bonjour %d", time.Now().UnixNano(), seq)
}

// parseBodyTimestamp extracts the send time from a timestamped body.
func parseBodyTimestamp(body string) (time.Time, bool) {
	field, _, ok := strings.Cut(body, " ")
	if !ok {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}
